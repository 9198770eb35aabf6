// Package inspectd embeds an ssh server in each worker so a user can open a
// pty shell inside the worker workspace while jobs run. Authentication is a
// single keypair generated under the kochi root; the listen address is
// published next to the worker state files for the inspect command to find.
package inspectd

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/creack/pty"
	"github.com/gliderlabs/ssh"
	gossh "golang.org/x/crypto/ssh"

	"github.com/kochi-hpc/kochi/logger"
	"github.com/kochi-hpc/kochi/paths"
	kshell "github.com/kochi-hpc/kochi/shell"
)

// Server is a running inspection sshd for one worker.
type Server struct {
	srv      *ssh.Server
	lis      net.Listener
	infoPath string
}

// Start launches the inspection sshd on an ephemeral localhost port and
// publishes its address. Sessions get a pty shell rooted at the worker
// workspace.
func Start(l logger.Logger, root paths.Root, machine string, workerID int, workspace string) (*Server, error) {
	host, err := hostSigner(root)
	if err != nil {
		return nil, err
	}
	authorized, err := clientPublicKey(root)
	if err != nil {
		return nil, err
	}

	srv := &ssh.Server{
		Handler: func(s ssh.Session) {
			handleSession(l, workspace, s)
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return ssh.KeysEqual(key, authorized)
		},
	}
	srv.AddHostKey(host)

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	infoPath := root.InspectInfo(machine, workerID)
	if err := os.WriteFile(infoPath, []byte(lis.Addr().String()+"\n"), 0o644); err != nil {
		lis.Close()
		return nil, err
	}

	go func() {
		if err := srv.Serve(lis); err != nil && !errors.Is(err, ssh.ErrServerClosed) {
			l.Warn("Inspection sshd for worker %d stopped: %v", workerID, err)
		}
	}()
	l.Debug("Inspection sshd for worker %d listening on %s", workerID, lis.Addr())
	return &Server{srv: srv, lis: lis, infoPath: infoPath}, nil
}

// Close shuts the server down and withdraws the published address.
func (s *Server) Close() {
	_ = os.Remove(s.infoPath)
	_ = s.srv.Close()
}

func handleSession(l logger.Logger, workspace string, s ssh.Session) {
	ptyReq, winCh, isPty := s.Pty()
	if !isPty {
		fmt.Fprintln(s, "inspection sessions require a pty (ssh -t)")
		_ = s.Exit(1)
		return
	}

	userShell := os.Getenv("SHELL")
	if userShell == "" {
		userShell = "/bin/sh"
	}
	cmd := exec.Command(userShell)
	cmd.Dir = workspace
	cmd.Env = append(os.Environ(), "TERM="+ptyReq.Term)

	f, err := pty.Start(cmd)
	if err != nil {
		l.Warn("Starting inspection shell: %v", err)
		_ = s.Exit(1)
		return
	}
	defer f.Close()

	go func() {
		for win := range winCh {
			_ = pty.Setsize(f, &pty.Winsize{
				Rows: uint16(win.Height),
				Cols: uint16(win.Width),
			})
		}
	}()
	go func() {
		_, _ = io.Copy(f, s) // stdin
	}()
	_, _ = io.Copy(s, f) // stdout
	_ = cmd.Wait()
}

// Login connects the local terminal to a worker's inspection sshd using the
// system ssh client.
func Login(ctx context.Context, sh *kshell.Shell, root paths.Root, machine string, workerID int) error {
	raw, err := os.ReadFile(root.InspectInfo(machine, workerID))
	if err != nil {
		return fmt.Errorf("no inspection sshd is running for worker %d on machine %s", workerID, machine)
	}
	host, port, err := net.SplitHostPort(strings.TrimSpace(string(raw)))
	if err != nil {
		return err
	}
	return sh.RunWithStdin(ctx, os.Stdin, "ssh",
		"-i", root.InspectClientKey(),
		"-p", port,
		"-o", "StrictHostKeyChecking=no",
		"-o", "UserKnownHostsFile=/dev/null",
		"kochi@"+host)
}

// hostSigner loads the persisted host key, generating it on first use so the
// host fingerprint stays stable across worker restarts.
func hostSigner(root paths.Root) (ssh.Signer, error) {
	path := root.InspectHostKey()
	if raw, err := os.ReadFile(path); err == nil {
		return gossh.ParsePrivateKey(raw)
	}
	priv, err := generateKey(path, "kochi inspect host key")
	if err != nil {
		return nil, err
	}
	return gossh.NewSignerFromKey(priv)
}

// clientPublicKey loads the public half of the client keypair, generating
// the pair on first use. The private half stays on disk for the ssh client.
func clientPublicKey(root paths.Root) (ssh.PublicKey, error) {
	path := root.InspectClientKey()
	if _, err := os.Stat(path); err != nil {
		if _, err := generateKey(path, "kochi inspect client key"); err != nil {
			return nil, err
		}
	}
	raw, err := os.ReadFile(path + ".pub")
	if err != nil {
		return nil, err
	}
	pub, _, _, _, err := gossh.ParseAuthorizedKey(raw)
	return pub, err
}

// generateKey writes a fresh ed25519 keypair: OpenSSH PEM at path, the
// authorized_keys form at path.pub.
func generateKey(path, comment string) (ed25519.PrivateKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	block, err := gossh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		return nil, err
	}
	sshPub, err := gossh.NewPublicKey(pub)
	if err != nil {
		return nil, err
	}
	return priv, os.WriteFile(path+".pub", gossh.MarshalAuthorizedKey(sshPub), 0o644)
}
