package build

import (
	"context"

	"github.com/haikuports/kitchen/pkg/registry"
	"github.com/haikuports/kitchen/pkg/session"
	"github.com/haikuports/kitchen/pkg/transfer"
)

// Session is the part of a builder session steps use.
type Session interface {
	RunCommand(ctx context.Context, command string) (session.Result, error)
	TransferFile(ctx context.Context, remotePath, localPath string) (transfer.Result, error)
}

// Builders is the scheduler's view of the builder registry.
type Builders interface {
	Online() []string
	Architecture(name string) string
	Cores(name string) int
	TryAcquire(name string) bool
	Release(name string)
	Session(name string) (Session, bool)
}

type registryBuilders struct {
	*registry.Registry
}

// FromRegistry adapts a registry for the scheduler.
func FromRegistry(r *registry.Registry) Builders {
	return registryBuilders{r}
}

func (r registryBuilders) Session(name string) (Session, bool) {
	sess, ok := r.Registry.Session(name)
	if !ok {
		return nil, false
	}
	return sess, true
}
