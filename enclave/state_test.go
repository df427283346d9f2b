package enclave

import (
	"bytes"
	"testing"

	"enc-mnist/shared"
)

func TestKeySnapshotLeavesActiveKeyIntact(t *testing.T) {
	state := NewEnclaveState(NewMemoryStorage(), nil, nil)
	key := bytes.Repeat([]byte{0x42}, shared.AESKeySize)
	if err := state.InstallKey(key); err != nil {
		t.Fatalf("InstallKey failed: %v", err)
	}

	block, err := state.keySnapshot()
	if err != nil {
		t.Fatalf("keySnapshot failed: %v", err)
	}

	// The wiped copy must not be the manager's own key.
	active, err := state.keys.Export()
	if err != nil || !bytes.Equal(active, key) {
		t.Fatalf("Active key changed by snapshot: %x, %v", active, err)
	}

	plaintext := bytes.Repeat([]byte("snapshot"), 20000)
	blob := sealWithKey(t, key, plaintext)

	// A later store_key does not affect the snapshot.
	if err := state.InstallKey(bytes.Repeat([]byte{0x17}, shared.AESKeySize)); err != nil {
		t.Fatalf("InstallKey failed: %v", err)
	}

	opened, err := shared.Open(block, blob, shared.ChunkSize)
	if err != nil || !bytes.Equal(opened, plaintext) {
		t.Fatalf("Snapshot cipher failed to open blob: %v", err)
	}

	dec := shared.NewBlockDecrypter(block)
	for off := 0; off < len(blob); off += 1000 {
		if _, err := dec.Write(blob[off:min(off+1000, len(blob))]); err != nil {
			t.Fatalf("Streaming write failed: %v", err)
		}
	}
	streamed, err := dec.Finish()
	if err != nil || !bytes.Equal(streamed, plaintext) {
		t.Errorf("Streaming decrypt with snapshot cipher failed: %v", err)
	}
}

func TestKeySnapshotWithoutKey(t *testing.T) {
	state := NewEnclaveState(NewMemoryStorage(), nil, nil)
	if _, err := state.keySnapshot(); shared.KindOf(err) != shared.ErrItemNotFound {
		t.Errorf("Expected ItemNotFound without a key, got %v", err)
	}
}

func TestWipe(t *testing.T) {
	b := []byte{1, 2, 3, 4}
	wipe(b)
	if !bytes.Equal(b, make([]byte, 4)) {
		t.Errorf("Expected zeroed buffer, got %v", b)
	}
	wipe(nil)
}
