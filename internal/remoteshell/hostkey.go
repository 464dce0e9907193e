package remoteshell

import (
	"errors"
	"fmt"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// HostKeyClassifier reports what is known about a host key. It never
// rejects a connection; trust decisions belong to the caller.
type HostKeyClassifier interface {
	Classify(hostport string, remote net.Addr, key ssh.PublicKey) (known, changed bool)
}

// ClassifierFunc adapts a function to HostKeyClassifier.
type ClassifierFunc func(hostport string, remote net.Addr, key ssh.PublicKey) (bool, bool)

func (f ClassifierFunc) Classify(hostport string, remote net.Addr, key ssh.PublicKey) (bool, bool) {
	return f(hostport, remote, key)
}

// unknownHosts treats every host as never seen.
var unknownHosts = ClassifierFunc(func(string, net.Addr, ssh.PublicKey) (bool, bool) {
	return false, false
})

// KnownHostsClassifier classifies keys against an OpenSSH known_hosts file.
type KnownHostsClassifier struct {
	path     string
	callback ssh.HostKeyCallback
}

// NewKnownHostsClassifier loads path. A missing file is not an error:
// every host is then unknown.
func NewKnownHostsClassifier(path string) (*KnownHostsClassifier, error) {
	k := &KnownHostsClassifier{path: path}
	if path == "" {
		return k, nil
	}
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return k, nil
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", path, err)
	}
	k.callback = cb
	return k, nil
}

func (k *KnownHostsClassifier) Classify(hostport string, remote net.Addr, key ssh.PublicKey) (known, changed bool) {
	if k.callback == nil {
		return false, false
	}
	err := k.callback(hostport, remote, key)
	if err == nil {
		return true, false
	}

	var keyErr *knownhosts.KeyError
	if errors.As(err, &keyErr) && len(keyErr.Want) == 0 {
		return false, false
	}
	// Key mismatch or a revoked key.
	return false, true
}
