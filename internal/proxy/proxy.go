// Package proxy implements the unprivileged TLS-terminator child (spec
// §6): it reads its one configuration message, drops privileges and
// chroots, validates its TLS material, then proxies framed bytes to a
// local authentication-and-ingest process listening on an abstract port.
package proxy

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/sys/unix"

	"github.com/netsend/perspectivedb/internal/supervisor"
)

// Terminator is one TLS-terminating child. It proxies bytes between a
// public TLS listener and a local plaintext backend (the
// authentication-and-ingest process) reachable on an abstract Unix socket.
type Terminator struct {
	cfg        supervisor.ChildConfig
	backendAddr string // abstract-namespace unix socket, e.g. "@perspectivedb-42"
}

// New constructs a Terminator from a received configuration message.
func New(cfg supervisor.ChildConfig, backendAddr string) *Terminator {
	return &Terminator{cfg: cfg, backendAddr: backendAddr}
}

// DropPrivileges chroots into dir and switches to uid/gid, per spec §6.
// Returns an error tagged so callers can map it to ExitChroot or
// ExitPrivilege.
func (t *Terminator) DropPrivileges(dir string, uid, gid int) error {
	if err := unix.Chroot(dir); err != nil {
		return fmt.Errorf("proxy: chroot %s: %w", dir, chrootErr{err})
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("proxy: chdir after chroot: %w", chrootErr{err})
	}
	if err := unix.Setgid(gid); err != nil {
		return fmt.Errorf("proxy: setgid: %w", privilegeErr{err})
	}
	if err := unix.Setuid(uid); err != nil {
		return fmt.Errorf("proxy: setuid: %w", privilegeErr{err})
	}
	return nil
}

type chrootErr struct{ err error }

func (e chrootErr) Error() string { return e.err.Error() }
func (e chrootErr) Unwrap() error { return e.err }

type privilegeErr struct{ err error }

func (e privilegeErr) Error() string { return e.err.Error() }
func (e privilegeErr) Unwrap() error { return e.err }

// IsChrootFailure reports whether err originated from the chroot step
// (maps to supervisor.ExitChroot).
func IsChrootFailure(err error) bool {
	var c chrootErr
	return asChrootErr(err, &c)
}

func asChrootErr(err error, target *chrootErr) bool {
	for err != nil {
		if c, ok := err.(chrootErr); ok {
			*target = c
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CheckKeyPermissions rejects a TLS private key readable by group or other,
// mapping to supervisor.ExitKeyPermission per spec §6.
func CheckKeyPermissions(path string) error {
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return fmt.Errorf("proxy: key %s is readable by group or other (mode %o)", path, fi.Mode().Perm())
	}
	return nil
}

// acceptableCiphers is the allow-list enforced on the public TLS listener;
// an empty negotiated-cipher intersection maps to supervisor.ExitNoCiphers.
var acceptableCiphers = []uint16{
	tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
	tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
	tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
}

// TLSConfig builds the terminator's server-side TLS configuration from its
// certificate and key files.
func (t *Terminator) TLSConfig() (*tls.Config, error) {
	if err := CheckKeyPermissions(t.cfg.KeyFile); err != nil {
		return nil, err
	}
	cert, err := tls.LoadX509KeyPair(t.cfg.CertFile, t.cfg.KeyFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		CipherSuites: acceptableCiphers,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Serve accepts TLS connections on ln and proxies each, byte for byte, to a
// fresh connection against the local backend.
func (t *Terminator) Serve(ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go t.handle(conn)
	}
}

func (t *Terminator) handle(conn net.Conn) {
	defer conn.Close()
	backend, err := net.Dial("unix", t.backendAddr)
	if err != nil {
		return
	}
	defer backend.Close()

	done := make(chan struct{}, 2)
	go func() { io.Copy(backend, conn); done <- struct{}{} }()
	go func() { io.Copy(conn, backend); done <- struct{}{} }()
	<-done
}
