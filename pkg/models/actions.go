package models

type ActionKind string

const (
	ActionCreateAccount     ActionKind = "create_account"
	ActionLogin             ActionKind = "login"
	ActionRestoreSession    ActionKind = "restore_session"
	ActionLogout            ActionKind = "logout"
	ActionPushScreen        ActionKind = "push_screen"
	ActionUpdateScreenStack ActionKind = "update_screen_stack"
	ActionCreateChat        ActionKind = "create_chat"
	ActionOpenChat          ActionKind = "open_chat"
	ActionSendMessage       ActionKind = "send_message"
	ActionLoadOlderMessages ActionKind = "load_older_messages"
	ActionFollowPeer        ActionKind = "follow_peer"
	ActionUnfollowPeer      ActionKind = "unfollow_peer"
	ActionClearToast        ActionKind = "clear_toast"
	ActionWipeLocalData     ActionKind = "wipe_local_data"
)

// AppAction is a command issued by a host. Only the fields relevant to Kind
// are populated.
type AppAction struct {
	Kind            ActionKind `json:"kind"`
	Nsec            string     `json:"nsec,omitempty"`
	Screen          *Screen    `json:"screen,omitempty"`
	Stack           []Screen   `json:"stack,omitempty"`
	PeerNpub        string     `json:"peer_npub,omitempty"`
	ChatID          string     `json:"chat_id,omitempty"`
	Content         string     `json:"content,omitempty"`
	BeforeMessageID string     `json:"before_message_id,omitempty"`
	Limit           uint32     `json:"limit,omitempty"`
}

func CreateAccount() AppAction { return AppAction{Kind: ActionCreateAccount} }
func Logout() AppAction        { return AppAction{Kind: ActionLogout} }
func ClearToast() AppAction    { return AppAction{Kind: ActionClearToast} }
func WipeLocalData() AppAction { return AppAction{Kind: ActionWipeLocalData} }

func Login(nsec string) AppAction {
	return AppAction{Kind: ActionLogin, Nsec: nsec}
}

func RestoreSession(nsec string) AppAction {
	return AppAction{Kind: ActionRestoreSession, Nsec: nsec}
}

func PushScreen(screen Screen) AppAction {
	return AppAction{Kind: ActionPushScreen, Screen: &screen}
}

func UpdateScreenStack(stack []Screen) AppAction {
	return AppAction{Kind: ActionUpdateScreenStack, Stack: append([]Screen{}, stack...)}
}

func CreateChat(peerNpub string) AppAction {
	return AppAction{Kind: ActionCreateChat, PeerNpub: peerNpub}
}

func OpenChat(chatID string) AppAction {
	return AppAction{Kind: ActionOpenChat, ChatID: chatID}
}

func SendMessage(chatID, content string) AppAction {
	return AppAction{Kind: ActionSendMessage, ChatID: chatID, Content: content}
}

func LoadOlderMessages(chatID, beforeMessageID string, limit uint32) AppAction {
	return AppAction{Kind: ActionLoadOlderMessages, ChatID: chatID, BeforeMessageID: beforeMessageID, Limit: limit}
}

func FollowPeer(peerNpub string) AppAction {
	return AppAction{Kind: ActionFollowPeer, PeerNpub: peerNpub}
}

func UnfollowPeer(peerNpub string) AppAction {
	return AppAction{Kind: ActionUnfollowPeer, PeerNpub: peerNpub}
}

// Sensitive reports whether the action carries secret key material and must
// not be logged verbatim.
func (a AppAction) Sensitive() bool {
	return a.Nsec != ""
}
