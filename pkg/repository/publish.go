package repository

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// Assembler turns the package directory of one architecture into a
// package repository.
type Assembler interface {
	Assemble(ctx context.Context, arch, archDir string) error
}

// PackageRepoTool runs Haiku's package_repo tool.
type PackageRepoTool struct {
	// Command defaults to package_repo.
	Command string
	// RepoInfo is the repo.info template; "$ARCH" is replaced with the
	// architecture.
	RepoInfo string
}

// Assemble runs `package_repo create` in archDir over every package in
// archDir/packages, writing archDir/repo.
func (t PackageRepoTool) Assemble(ctx context.Context, arch, archDir string) error {
	command := t.Command
	if command == "" {
		command = "package_repo"
	}
	info, err := os.ReadFile(t.RepoInfo)
	if err != nil {
		return fmt.Errorf("read repo info: %w", err)
	}
	infoPath := filepath.Join(archDir, "repo.info")
	if err := os.WriteFile(infoPath, bytes.ReplaceAll(info, []byte("$ARCH"), []byte(arch)), 0o644); err != nil {
		return err
	}
	files, err := filepath.Glob(filepath.Join(archDir, "packages", "*"+packageExt))
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return errors.New("no packages to assemble")
	}

	args := append([]string{"create", "-v", infoPath}, files...)
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = archDir
	var output bytes.Buffer
	cmd.Stdout = &output
	cmd.Stderr = &output
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s create: %w: %s", command, err, strings.TrimSpace(output.String()))
	}
	return nil
}

// Publisher mirrors an assembled repository somewhere else.
type Publisher interface {
	Publish(ctx context.Context, arch, archDir string) error
}

// SFTPConfig describes the mirror host.
type SFTPConfig struct {
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
	User      string `mapstructure:"user"`
	KeyFile   string `mapstructure:"key_file"`
	RemoteDir string `mapstructure:"remote_dir"`
}

// SFTPPublisher uploads new packages and the repo file over SFTP.
type SFTPPublisher struct {
	cfg SFTPConfig
}

func NewSFTPPublisher(cfg SFTPConfig) *SFTPPublisher {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	return &SFTPPublisher{cfg: cfg}
}

func (p *SFTPPublisher) Publish(ctx context.Context, arch, archDir string) error {
	auth, err := p.authMethods()
	if err != nil {
		return err
	}
	config := &ssh.ClientConfig{
		User:            p.cfg.User,
		Auth:            auth,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         30 * time.Second,
	}
	client, err := ssh.Dial("tcp", fmt.Sprintf("%s:%d", p.cfg.Host, p.cfg.Port), config)
	if err != nil {
		return fmt.Errorf("ssh dial failed: %w", err)
	}
	defer client.Close()

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		return err
	}
	defer sftpClient.Close()
	return mirror(ctx, sftpClient, archDir, path.Join(p.cfg.RemoteDir, arch))
}

// remoteFS is the part of *sftp.Client mirroring uses.
type remoteFS interface {
	MkdirAll(dir string) error
	Stat(p string) (os.FileInfo, error)
	Create(p string) (*sftp.File, error)
	Remove(p string) error
	Rename(oldname, newname string) error
}

// mirror uploads packages the remote lacks (or has with a different
// size), then replaces the repo and repo.info files.
func mirror(ctx context.Context, remote remoteFS, archDir, remoteDir string) error {
	if err := remote.MkdirAll(path.Join(remoteDir, "packages")); err != nil {
		return err
	}
	entries, err := os.ReadDir(filepath.Join(archDir, "packages"))
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), packageExt) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			return err
		}
		target := path.Join(remoteDir, "packages", entry.Name())
		if st, err := remote.Stat(target); err == nil && st.Size() == info.Size() {
			continue
		}
		if err := upload(remote, filepath.Join(archDir, "packages", entry.Name()), target); err != nil {
			return fmt.Errorf("upload %s: %w", entry.Name(), err)
		}
	}
	for _, name := range []string{"repo.info", "repo"} {
		local := filepath.Join(archDir, name)
		if _, err := os.Stat(local); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := upload(remote, local, path.Join(remoteDir, name)); err != nil {
			return fmt.Errorf("upload %s: %w", name, err)
		}
	}
	return nil
}

// upload writes to a temporary name and renames it into place.
func upload(remote remoteFS, localPath, remotePath string) error {
	src, err := os.Open(localPath)
	if err != nil {
		return err
	}
	defer src.Close()

	tmp := remotePath + ".partial"
	dst, err := remote.Create(tmp)
	if err != nil {
		return err
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}
	_ = remote.Remove(remotePath)
	return remote.Rename(tmp, remotePath)
}

func (p *SFTPPublisher) authMethods() ([]ssh.AuthMethod, error) {
	keyFile := strings.TrimSpace(p.cfg.KeyFile)
	if keyFile != "" {
		data, err := os.ReadFile(expandHome(keyFile))
		if err != nil {
			return nil, fmt.Errorf("read ssh private key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(data)
		if err != nil {
			return nil, fmt.Errorf("parse ssh private key: %w", err)
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
	}
	signer, err := defaultPrivateKeySigner()
	if err != nil {
		return nil, fmt.Errorf("no authentication method provided: %w", err)
	}
	return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil
}

func defaultPrivateKeySigner() (ssh.Signer, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"id_ed25519", "id_ecdsa", "id_rsa"} {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if signer, err := ssh.ParsePrivateKey(data); err == nil {
			return signer, nil
		}
	}
	return nil, fmt.Errorf("no default private key found")
}

func expandHome(p string) string {
	if strings.HasPrefix(p, "~") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}
