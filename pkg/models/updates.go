package models

type UpdateKind string

const (
	UpdateFullState          UpdateKind = "full_state"
	UpdateAccountCreated     UpdateKind = "account_created"
	UpdateRouterChanged      UpdateKind = "router_changed"
	UpdateAuthChanged        UpdateKind = "auth_changed"
	UpdateChatListChanged    UpdateKind = "chat_list_changed"
	UpdateCurrentChatChanged UpdateKind = "current_chat_changed"
	UpdateToastChanged       UpdateKind = "toast_changed"
)

// AppUpdate is one revisioned diff emitted by the core. Rev always matches
// the state revision right after the update was applied.
type AppUpdate struct {
	Kind        UpdateKind     `json:"kind"`
	Rev         uint64         `json:"rev"`
	State       *AppState      `json:"state,omitempty"`
	Nsec        string         `json:"nsec,omitempty"`
	Pubkey      string         `json:"pubkey,omitempty"`
	Npub        string         `json:"npub,omitempty"`
	Router      *Router        `json:"router,omitempty"`
	Auth        *AuthState     `json:"auth,omitempty"`
	ChatList    []ChatSummary  `json:"chat_list,omitempty"`
	CurrentChat *ChatViewState `json:"current_chat,omitempty"`
	Toast       *string        `json:"toast,omitempty"`
}

func FullStateUpdate(state AppState) AppUpdate {
	snapshot := state.Clone()
	return AppUpdate{Kind: UpdateFullState, Rev: state.Rev, State: &snapshot}
}

func AccountCreatedUpdate(rev uint64, nsec, pubkey, npub string) AppUpdate {
	return AppUpdate{Kind: UpdateAccountCreated, Rev: rev, Nsec: nsec, Pubkey: pubkey, Npub: npub}
}

// Apply folds u into s the way a host mirror would. It returns false when u
// does not directly follow s.Rev; the host should then request a fresh
// snapshot instead of applying the diff.
func (s *AppState) Apply(u AppUpdate) bool {
	if u.Kind == UpdateFullState {
		if u.State == nil {
			return false
		}
		*s = u.State.Clone()
		return true
	}
	if u.Rev != s.Rev+1 {
		return false
	}
	switch u.Kind {
	case UpdateAccountCreated:
	case UpdateRouterChanged:
		if u.Router != nil {
			s.Router = u.Router.Clone()
		}
	case UpdateAuthChanged:
		if u.Auth != nil {
			s.Auth = *u.Auth
		}
	case UpdateChatListChanged:
		s.ChatList = CloneChatList(u.ChatList)
	case UpdateCurrentChatChanged:
		s.CurrentChat = u.CurrentChat.Clone()
	case UpdateToastChanged:
		s.Toast = cloneString(u.Toast)
	default:
		return false
	}
	s.Rev = u.Rev
	return true
}
