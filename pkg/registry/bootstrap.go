package registry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/haikuports/kitchen/pkg/builder"
	"github.com/haikuports/kitchen/pkg/protocol"
	"github.com/haikuports/kitchen/pkg/session"
)

// TreeConfig describes the haikuporter/haikuports checkouts every builder
// must carry before it is handed work.
type TreeConfig struct {
	HaikuporterURL string `mapstructure:"haikuporter_url"`
	HaikuportsURL  string `mapstructure:"haikuports_url"`
	TreePath       string `mapstructure:"tree_path"`
	ConfigFile     string `mapstructure:"config_file"`
	Packager       string `mapstructure:"packager"`
	UpdateCommand  string `mapstructure:"update_command"`
}

func (c TreeConfig) withDefaults() TreeConfig {
	if c.HaikuporterURL == "" {
		c.HaikuporterURL = "https://github.com/haikuports/haikuporter.git"
	}
	if c.HaikuportsURL == "" {
		c.HaikuportsURL = "https://github.com/haikuports/haikuports.git"
	}
	if c.TreePath == "" {
		c.TreePath = "/boot/home/haikuports"
	}
	if c.ConfigFile == "" {
		c.ConfigFile = "~/config/settings/haikuports.conf"
	}
	if c.Packager == "" {
		c.Packager = "Haiku Kitchen <kitchen@server.fake>"
	}
	if c.UpdateCommand == "" {
		c.UpdateCommand = "pkgman full-sync -y"
	}
	return c
}

const (
	checkTreeCommand  = "ls ~/haikuporter/ && ls ~/haikuports/"
	pullTreeCommand   = "cd ~/haikuporter && git pull && cd ~/haikuports && git pull && cd ~"
	quitTrackerCmd    = "hey Tracker quit"
	unameCommand      = "uname -a"
	archlistCommand   = "setarch -l"
	haikuporterProbe  = "haikuporter"
	updateNothingToDo = "Nothing to do."
)

func (c TreeConfig) cloneCommand() string {
	return fmt.Sprintf("cd ~ && git clone %s --depth=1 && git clone %s --depth=1", c.HaikuporterURL, c.HaikuportsURL)
}

func (c TreeConfig) writeConfigCommand() string {
	lines := []string{
		fmt.Sprintf(`TREE_PATH=\"%s\"`, c.TreePath),
		fmt.Sprintf(`PACKAGER=\"%s\"`, strings.NewReplacer("<", `\<`, ">", `\>`).Replace(c.Packager)),
	}
	cmd := "rm -f " + c.ConfigFile
	for _, line := range lines {
		cmd += " && echo " + line + " >>" + c.ConfigFile
	}
	return cmd
}

func (c TreeConfig) symlinkCommand() string {
	return "ln -sf ~/haikuporter/haikuporter ~/config/non-packaged/bin/haikuporter"
}

// bootstrap runs the fixed setup sequence for a freshly authenticated
// builder: quit the UI, sync system packages, collect metadata, then make
// sure the build trees exist. The builder becomes online only after all of
// that succeeded.
func (r *Registry) bootstrap(ctx context.Context, name string, sess *session.Session) {
	if r.Status(name) == builder.StatusBroken {
		r.logger.Warn("broken builder connected; skipping bootstrap", "builder", name)
		return
	}

	if _, err := sess.RunCommand(ctx, quitTrackerCmd); err != nil {
		r.bootstrapAborted(name, err)
		return
	}
	res, err := sess.RunCommand(ctx, r.opts.Tree.UpdateCommand)
	if err != nil {
		r.bootstrapAborted(name, err)
		return
	}
	if r.handleUpdateResult(name, sess, res) {
		return
	}

	if err := r.collectMetadata(ctx, name, sess); err != nil {
		r.bootstrapAborted(name, err)
		return
	}

	if err := r.ensureTree(ctx, name, sess); err != nil {
		if !errors.Is(err, session.ErrDisconnected) && ctx.Err() == nil {
			r.logger.Error("tree provisioning failed", "builder", name, "error", err)
			r.SetStatus(name, builder.StatusBroken)
		}
		return
	}

	if r.markOnline(name, sess) {
		r.logger.Info("builder ready", "builder", name)
		r.fireAvailable(name)
	}
}

func (r *Registry) bootstrapAborted(name string, err error) {
	r.logger.Info("bootstrap interrupted", "builder", name, "error", err)
}

func (r *Registry) markOnline(name string, sess *session.Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.builders[name]
	if !ok || e.session != sess || e.status != builder.StatusBusy {
		return false
	}
	e.status = builder.StatusOnline
	return true
}

// handleUpdateResult applies the system update policy. It reports true when
// the builder should not be used further in this session: it either broke
// or was told to restart.
func (r *Registry) handleUpdateResult(name string, sess *session.Session, res session.Result) bool {
	switch {
	case res.ExitCode != 0:
		r.logger.Error("system update failed, marking builder broken", "builder", name, "output", strings.TrimSpace(res.Output))
		r.SetStatus(name, builder.StatusBroken)
		return true
	case strings.Contains(res.Output, updateNothingToDo):
		return false
	default:
		r.logger.Info("system update succeeded, rebooting builder", "builder", name)
		if err := sess.Send(protocol.Message{What: protocol.WhatRestart}); err != nil {
			r.logger.Warn("sending restart failed", "builder", name, "error", err)
		}
		return true
	}
}

func (r *Registry) collectMetadata(ctx context.Context, name string, sess *session.Session) error {
	cores, err := sess.Cores(ctx)
	if err != nil {
		return err
	}
	r.updateInfo(name, sess, func(info *builder.Info) { info.Cores = cores })

	uname, err := sess.RunCommand(ctx, unameCommand)
	if err != nil {
		return err
	}
	hrev, arch := builder.ParseUname(uname.Output)
	r.updateInfo(name, sess, func(info *builder.Info) {
		info.Hrev = hrev
		info.Architecture = arch
	})

	archlist, err := sess.RunCommand(ctx, archlistCommand)
	if err != nil {
		return err
	}
	flavor, secondary := builder.DeriveFlavor(archlist.Output, arch)
	r.updateInfo(name, sess, func(info *builder.Info) {
		info.Flavor = flavor
		info.SecondaryArchitecture = secondary
	})
	r.logger.Info("builder metadata ready", "builder", name, "cores", cores, "hrev", hrev, "arch", arch, "flavor", flavor)
	return nil
}

// ensureTree clones the trees if they are absent and pulls them otherwise.
func (r *Registry) ensureTree(ctx context.Context, name string, sess *session.Session) error {
	tree := r.opts.Tree
	check, err := sess.RunCommand(ctx, checkTreeCommand)
	if err != nil {
		return err
	}

	if check.ExitCode == 0 {
		if err := pullTree(ctx, sess); err != nil {
			return err
		}
	} else {
		r.logger.Info("cloning haikuporter/haikuports trees", "builder", name)
		res, err := sess.RunCommand(ctx, tree.cloneCommand())
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("git-clone failed: %s", strings.TrimSpace(res.Output))
		}
		res, err = sess.RunCommand(ctx, tree.writeConfigCommand())
		if err != nil {
			return err
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("creating haikuports.conf failed: %s", strings.TrimSpace(res.Output))
		}
	}

	if _, err := sess.RunCommand(ctx, tree.symlinkCommand()); err != nil {
		return err
	}
	if _, err := sess.RunCommand(ctx, haikuporterProbe); err != nil {
		return err
	}
	r.logger.Info("haikuporter/haikuports trees ready", "builder", name)
	return nil
}

func pullTree(ctx context.Context, sess *session.Session) error {
	res, err := sess.RunCommand(ctx, pullTreeCommand)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("git-pull failed: %s", strings.TrimSpace(res.Output))
	}
	return nil
}

// UpdateAllTrees pulls the build trees on every online builder and waits
// for all of them. Builders that fail are marked broken.
func (r *Registry) UpdateAllTrees(ctx context.Context) {
	r.forEachOnline(ctx, "tree update", func(ctx context.Context, name string, sess *session.Session) bool {
		if err := pullTree(ctx, sess); err != nil {
			if !errors.Is(err, session.ErrDisconnected) {
				r.logger.Error("tree update failed", "builder", name, "error", err)
				r.SetStatus(name, builder.StatusBroken)
			}
			return false
		}
		return true
	})
}

// UpdateAllBuilders runs the system package update on every online builder.
func (r *Registry) UpdateAllBuilders(ctx context.Context) {
	r.forEachOnline(ctx, "system update", func(ctx context.Context, name string, sess *session.Session) bool {
		res, err := sess.RunCommand(ctx, r.opts.Tree.UpdateCommand)
		if err != nil {
			return false
		}
		return !r.handleUpdateResult(name, sess, res)
	})
}

// forEachOnline acquires every online builder, runs fn on each in
// parallel and waits. Builders for which fn reports true go back online.
func (r *Registry) forEachOnline(ctx context.Context, what string, fn func(context.Context, string, *session.Session) bool) {
	var wg sync.WaitGroup
	for _, name := range r.Online() {
		sess, ok := r.Session(name)
		if !ok || !r.TryAcquire(name) {
			continue
		}
		r.logger.Info("starting "+what, "builder", name)
		wg.Add(1)
		go func(name string, sess *session.Session) {
			defer wg.Done()
			if fn(ctx, name, sess) {
				r.Release(name)
				if r.Status(name) == builder.StatusOnline {
					r.fireAvailable(name)
				}
			}
		}(name, sess)
	}
	wg.Wait()
}
