package enclave

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"

	"github.com/hf/nsm"
)

// RandomSource supplies key and IV material.
type RandomSource interface {
	io.Reader
	Close() error
}

type systemRandom struct{}

func (systemRandom) Read(p []byte) (int, error) { return rand.Read(p) }
func (systemRandom) Close() error               { return nil }

// nsmRandom serialises reads on one NSM session.
type nsmRandom struct {
	mu   sync.Mutex
	sess *nsm.Session
}

func (r *nsmRandom) Read(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return io.ReadFull(r.sess, p)
}

func (r *nsmRandom) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sess.Close()
}

// NewRandomSource opens the Nitro Security Module in enclave mode and falls
// back to crypto/rand otherwise.
func NewRandomSource(enclaveMode bool) (RandomSource, error) {
	if !enclaveMode {
		return systemRandom{}, nil
	}
	sess, err := nsm.OpenDefaultSession()
	if err != nil {
		return nil, fmt.Errorf("failed to open NSM session: %v", err)
	}
	return &nsmRandom{sess: sess}, nil
}
