package enclave

import (
	"crypto/cipher"
	"sync"

	"enc-mnist/shared"
)

// LoadState is the model load state machine position.
type LoadState int

const (
	LoadIdle LoadState = iota
	LoadLoading
)

func (s LoadState) String() string {
	if s == LoadLoading {
		return "loading"
	}
	return "idle"
}

// accumulator collects pushed bytes and yields the plaintext model record.
type accumulator interface {
	Push(chunk []byte) error
	Finish() ([]byte, error)
	// Received is the number of bytes pushed so far.
	Received() int
}

// plainAccumulator is used when the deployment provisions plaintext models.
type plainAccumulator struct {
	buf []byte
}

func (a *plainAccumulator) Push(chunk []byte) error {
	a.buf = append(a.buf, chunk...)
	return nil
}

func (a *plainAccumulator) Finish() ([]byte, error) {
	out := a.buf
	a.buf = nil
	return out, nil
}

func (a *plainAccumulator) Received() int { return len(a.buf) }

// bufferedAccumulator keeps the whole ciphertext and decrypts once.
type bufferedAccumulator struct {
	block  cipher.Block
	window int
	buf    []byte
}

func (a *bufferedAccumulator) Push(chunk []byte) error {
	a.buf = append(a.buf, chunk...)
	return nil
}

func (a *bufferedAccumulator) Finish() ([]byte, error) {
	ct := a.buf
	a.buf = nil
	return shared.Open(a.block, ct, a.window)
}

func (a *bufferedAccumulator) Received() int { return len(a.buf) }

// streamingAccumulator decrypts whole blocks as they arrive.
type streamingAccumulator struct {
	dec *shared.ChainedDecrypter
}

func (a *streamingAccumulator) Push(chunk []byte) error {
	_, err := a.dec.Write(chunk)
	return err
}

func (a *streamingAccumulator) Finish() ([]byte, error) {
	return a.dec.Finish()
}

func (a *streamingAccumulator) Received() int { return a.dec.Buffered() }

// sealedChunksAccumulator opens every push as its own sealed blob.
type sealedChunksAccumulator struct {
	block    cipher.Block
	window   int
	plain    []byte
	received int
}

func (a *sealedChunksAccumulator) Push(chunk []byte) error {
	pt, err := shared.Open(a.block, chunk, a.window)
	if err != nil {
		return err
	}
	a.plain = append(a.plain, pt...)
	a.received += len(chunk)
	return nil
}

func (a *sealedChunksAccumulator) Finish() ([]byte, error) {
	out := a.plain
	a.plain = nil
	return out, nil
}

func (a *sealedChunksAccumulator) Received() int { return a.received }

// ModelLoader sequences begin, push and finalize. A load belongs to the
// session that began it.
type ModelLoader struct {
	mu    sync.Mutex
	state LoadState
	owner string
	acc   accumulator
}

func NewModelLoader() *ModelLoader {
	return &ModelLoader{}
}

// Begin starts a load for session, discarding anything it pushed before. A
// load owned by another session makes Begin fail with Busy.
func (l *ModelLoader) Begin(session string, acc accumulator) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state == LoadLoading && l.owner != session {
		return shared.NewError(shared.ErrBusy, "begin model load", "load in progress on another session")
	}
	l.state = LoadLoading
	l.owner = session
	l.acc = acc
	return nil
}

// Push appends chunk to the owner's load. Empty chunks are ignored. A chunk
// that cannot be accepted aborts the load.
func (l *ModelLoader) Push(session string, chunk []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOwner("push chunk", session); err != nil {
		return err
	}
	if len(chunk) == 0 {
		return nil
	}
	if err := l.acc.Push(chunk); err != nil {
		l.reset()
		return err
	}
	return nil
}

// Take ends the owner's load and hands back its accumulator. The loader is
// idle again whatever the caller does with the result.
func (l *ModelLoader) Take(session string) (accumulator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.checkOwner("finalize model load", session); err != nil {
		return nil, err
	}
	acc := l.acc
	l.reset()
	return acc, nil
}

// Abandon drops the load if session owns it.
func (l *ModelLoader) Abandon(session string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state != LoadLoading || l.owner != session {
		return false
	}
	l.reset()
	return true
}

// Status reports the current state, owner and byte count.
func (l *ModelLoader) Status() (LoadState, string, int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.acc == nil {
		return l.state, l.owner, 0
	}
	return l.state, l.owner, l.acc.Received()
}

func (l *ModelLoader) checkOwner(op, session string) error {
	if l.state != LoadLoading {
		return shared.NewError(shared.ErrBadState, op, "no model load in progress")
	}
	if l.owner != session {
		return shared.NewError(shared.ErrBadState, op, "model load owned by another session")
	}
	return nil
}

func (l *ModelLoader) reset() {
	l.state = LoadIdle
	l.owner = ""
	l.acc = nil
}
