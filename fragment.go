package reqsink

import (
	"crypto/md5"
	"encoding/hex"
	"strconv"
	"sync"

	"github.com/google/uuid"
)

// split divides data into contiguous slices of at most maxFragmentSize
// bytes. It always returns at least one slice; every slice is non-empty
// except the single slice returned for an empty payload.
func split(data []byte, maxFragmentSize int) [][]byte {
	if maxFragmentSize <= 0 {
		return [][]byte{data}
	}
	if len(data) == 0 {
		return [][]byte{{}}
	}
	var parts [][]byte
	for start := 0; start < len(data); start += maxFragmentSize {
		end := start + maxFragmentSize
		if end > len(data) {
			end = len(data)
		}
		parts = append(parts, data[start:end])
	}
	return parts
}

func digestOf(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}

// buildFragments returns the SIGNAL_FRAGMENT envelopes followed by the
// terminating END_OF_FRAGMENTED_MESSAGE envelope for a payload that exceeds
// the transport's maximum message size.
func buildFragments(callID string, base *Envelope, payload []byte, maxFragmentSize int) []*Envelope {
	responseID := base.ResponseID
	if responseID == "" {
		responseID = uuid.NewString()
	}
	parts := split(payload, maxFragmentSize)
	envs := make([]*Envelope, 0, len(parts)+1)
	for i, part := range parts {
		e := &Envelope{
			Version:    ProtocolV2,
			Type:       MessageSignalFragment,
			CallID:     callID,
			ResponseID: responseID,
			ReplyTo:    base.ReplyTo,
			Payload:    part,
		}
		e.WithProp(PropResponseID, responseID).WithProp(PropFragmentIndex, strconv.Itoa(i))
		envs = append(envs, e)
	}
	terminator := &Envelope{
		Version:    ProtocolV2,
		Type:       MessageEndOfFragmentedMessage,
		CallID:     callID,
		ResponseID: responseID,
		ReplyTo:    base.ReplyTo,
	}
	terminator.WithProp(PropResponseID, responseID).
		WithProp(PropFragmentsTotal, strconv.Itoa(len(parts))).
		WithProp(PropDataChecksumMD5, digestOf(payload))
	envs = append(envs, terminator)
	return envs
}

// fragmentSet accumulates fragments for one (callID, responseID) pair until
// the terminator arrives and the set can be reassembled or rejected.
type fragmentSet struct {
	callID     string
	responseID string
	parts      map[int][]byte
	total      int   // -1 until the terminator arrives
	digest     string
}

func newFragmentSet(callID, responseID string) *fragmentSet {
	return &fragmentSet{callID: callID, responseID: responseID, parts: make(map[int][]byte), total: -1}
}

// addFragment stores a fragment; idempotent per index.
func (fs *fragmentSet) addFragment(index int, data []byte) {
	if _, exists := fs.parts[index]; exists {
		return
	}
	fs.parts[index] = data
}

// setTerminator records the total count and digest declared by the
// END_OF_FRAGMENTED_MESSAGE envelope.
func (fs *fragmentSet) setTerminator(total int, digest string) {
	fs.total = total
	fs.digest = digest
}

// ready reports whether every index in [0,total) has arrived.
func (fs *fragmentSet) ready() bool {
	if fs.total < 0 {
		return false
	}
	for i := 0; i < fs.total; i++ {
		if _, ok := fs.parts[i]; !ok {
			return false
		}
	}
	return true
}

// reassemble concatenates parts in index order and verifies the digest. It
// never mutates fs; Terminate drops fs before calling it, whatever the
// outcome.
func (fs *fragmentSet) reassemble() ([]byte, error) {
	if !fs.ready() {
		return nil, &FragmentationError{CallID: fs.callID, ResponseID: fs.responseID, Reason: "missing fragments at terminator"}
	}
	var buf []byte
	for i := 0; i < fs.total; i++ {
		buf = append(buf, fs.parts[i]...)
	}
	if digestOf(buf) != fs.digest {
		return nil, &FragmentationError{CallID: fs.callID, ResponseID: fs.responseID, Reason: "digest mismatch"}
	}
	return buf, nil
}

// fragmentBuffer owns the independent fragmentSets for one call, keyed by
// responseID. It is call-owned: nothing shares a fragmentBuffer across
// calls.
type fragmentBuffer struct {
	mu   sync.Mutex
	sets map[string]*fragmentSet
}

func newFragmentBuffer() *fragmentBuffer {
	return &fragmentBuffer{sets: make(map[string]*fragmentSet)}
}

func (b *fragmentBuffer) getOrCreate(callID, responseID string) *fragmentSet {
	b.mu.Lock()
	defer b.mu.Unlock()
	fs, ok := b.sets[responseID]
	if !ok {
		fs = newFragmentSet(callID, responseID)
		b.sets[responseID] = fs
	}
	return fs
}

// AddFragment handles a SIGNAL_FRAGMENT envelope.
func (b *fragmentBuffer) AddFragment(env *Envelope) error {
	idx, err := strconv.Atoi(env.Prop(PropFragmentIndex))
	if err != nil {
		return &FragmentationError{CallID: env.CallID, ResponseID: env.ResponseID, Reason: "missing/invalid fragment index"}
	}
	fs := b.getOrCreate(env.CallID, env.ResponseID)
	b.mu.Lock()
	fs.addFragment(idx, env.Payload)
	b.mu.Unlock()
	return nil
}

// Terminate handles an END_OF_FRAGMENTED_MESSAGE envelope: it records the
// declared total/digest and, if ready, reassembles and removes the set —
// successful or not, a rejected set is dropped rather than retried.
func (b *fragmentBuffer) Terminate(env *Envelope) ([]byte, error) {
	total, err := strconv.Atoi(env.Prop(PropFragmentsTotal))
	if err != nil {
		return nil, &FragmentationError{CallID: env.CallID, ResponseID: env.ResponseID, Reason: "missing/invalid fragment total"}
	}
	digest := env.Prop(PropDataChecksumMD5)

	b.mu.Lock()
	fs, ok := b.sets[env.ResponseID]
	if !ok {
		fs = newFragmentSet(env.CallID, env.ResponseID)
		b.sets[env.ResponseID] = fs
	}
	fs.setTerminator(total, digest)
	delete(b.sets, env.ResponseID)
	b.mu.Unlock()

	return fs.reassemble()
}

// GC drops every fragmentSet owned by this buffer. ClientDispatcher does
// not call it: Unregister discards the call's whole buffer instead.
func (b *fragmentBuffer) GC() {
	b.mu.Lock()
	b.sets = make(map[string]*fragmentSet)
	b.mu.Unlock()
}
