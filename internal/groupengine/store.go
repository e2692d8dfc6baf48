package groupengine

import (
	"sync"

	"pika-chat/go-core/internal/securestore"
)

// State is everything the engine persists for one identity.
type State struct {
	InitKeys []initKey             `json:"init_keys"`
	Groups   map[string]GroupState `json:"groups"`
}

type initKey struct {
	EventID   string `json:"event_id"`
	Private   []byte `json:"private"`
	CreatedAt int64  `json:"created_at"`
}

// GroupState holds the shared secret and the per-sender chains of a group.
// Map keys are hex group ids.
type GroupState struct {
	GroupID   string                `json:"group_id"`
	Secret    []byte                `json:"secret"`
	Members   []string              `json:"members"`
	Send      chainState            `json:"send"`
	Recv      map[string]chainState `json:"recv"`
	SeenIDs   []string              `json:"seen_ids"`
	CreatedAt int64                 `json:"created_at"`
}

func emptyState() State {
	return State{Groups: map[string]GroupState{}}
}

type Store interface {
	Load() (State, error)
	Save(State) error
}

type InMemoryStore struct {
	mu    sync.RWMutex
	state State
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{state: emptyState()}
}

func (s *InMemoryStore) Load() (State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneState(s.state), nil
}

func (s *InMemoryStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = cloneState(state)
	return nil
}

// FileStore keeps the engine state in one file sealed with the identity
// database key.
type FileStore struct {
	mu   sync.Mutex
	path string
	key  []byte
}

func NewFileStore(path string, key []byte) *FileStore {
	return &FileStore{path: path, key: append([]byte(nil), key...)}
}

func (s *FileStore) Load() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	state := emptyState()
	if _, err := securestore.ReadSealedJSON(s.path, s.key, &state); err != nil {
		return State{}, err
	}
	if state.Groups == nil {
		state.Groups = map[string]GroupState{}
	}
	return state, nil
}

func (s *FileStore) Save(state State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return securestore.WriteSealedJSON(s.path, s.key, state)
}

func cloneState(in State) State {
	out := State{
		InitKeys: append([]initKey(nil), in.InitKeys...),
		Groups:   make(map[string]GroupState, len(in.Groups)),
	}
	for id, g := range in.Groups {
		out.Groups[id] = cloneGroup(g)
	}
	return out
}

func cloneGroup(g GroupState) GroupState {
	out := g
	out.Secret = append([]byte(nil), g.Secret...)
	out.Members = append([]string(nil), g.Members...)
	out.Send = cloneChain(g.Send)
	out.Recv = make(map[string]chainState, len(g.Recv))
	for k, v := range g.Recv {
		out.Recv[k] = cloneChain(v)
	}
	out.SeenIDs = append([]string(nil), g.SeenIDs...)
	return out
}

func cloneChain(c chainState) chainState {
	out := chainState{ChainKey: append([]byte(nil), c.ChainKey...), Index: c.Index, SkippedKeys: map[uint64][]byte{}}
	for k, v := range c.SkippedKeys {
		out.SkippedKeys[k] = append([]byte(nil), v...)
	}
	return out
}
