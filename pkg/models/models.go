package models

type ScreenKind string

const (
	ScreenLogin    ScreenKind = "login"
	ScreenChatList ScreenKind = "chat_list"
	ScreenChat     ScreenKind = "chat"
	ScreenNewChat  ScreenKind = "new_chat"
)

type Screen struct {
	Kind   ScreenKind `json:"kind"`
	ChatID string     `json:"chat_id,omitempty"`
}

func LoginScreen() Screen    { return Screen{Kind: ScreenLogin} }
func ChatListScreen() Screen { return Screen{Kind: ScreenChatList} }
func NewChatScreen() Screen  { return Screen{Kind: ScreenNewChat} }

func ChatScreen(chatID string) Screen {
	return Screen{Kind: ScreenChat, ChatID: chatID}
}

type Router struct {
	DefaultScreen Screen   `json:"default_screen"`
	ScreenStack   []Screen `json:"screen_stack"`
}

type AuthKind string

const (
	AuthLoggedOut AuthKind = "logged_out"
	AuthLoggedIn  AuthKind = "logged_in"
)

type AuthState struct {
	Kind   AuthKind `json:"kind"`
	Npub   string   `json:"npub,omitempty"`
	Pubkey string   `json:"pubkey,omitempty"`
}

func (a AuthState) LoggedIn() bool {
	return a.Kind == AuthLoggedIn
}

type DeliveryKind string

const (
	DeliveryPending DeliveryKind = "pending"
	DeliverySent    DeliveryKind = "sent"
	DeliveryFailed  DeliveryKind = "failed"
)

type DeliveryState struct {
	Kind   DeliveryKind `json:"kind"`
	Reason string       `json:"reason,omitempty"`
}

func Pending() DeliveryState { return DeliveryState{Kind: DeliveryPending} }
func Sent() DeliveryState    { return DeliveryState{Kind: DeliverySent} }

func Failed(reason string) DeliveryState {
	return DeliveryState{Kind: DeliveryFailed, Reason: reason}
}

type ChatMessage struct {
	ID           string        `json:"id"`
	SenderPubkey string        `json:"sender_pubkey"`
	Content      string        `json:"content"`
	Timestamp    int64         `json:"timestamp"`
	IsMine       bool          `json:"is_mine"`
	Delivery     DeliveryState `json:"delivery"`
}

type ChatSummary struct {
	ChatID        string  `json:"chat_id"`
	PeerNpub      string  `json:"peer_npub"`
	PeerName      *string `json:"peer_name,omitempty"`
	LastMessage   *string `json:"last_message,omitempty"`
	LastMessageAt *int64  `json:"last_message_at,omitempty"`
	UnreadCount   uint32  `json:"unread_count"`
}

type ChatViewState struct {
	ChatID       string        `json:"chat_id"`
	PeerNpub     string        `json:"peer_npub"`
	PeerName     *string       `json:"peer_name,omitempty"`
	Messages     []ChatMessage `json:"messages"`
	CanLoadOlder bool          `json:"can_load_older"`
}

// AppState is the single source of truth owned by the core actor. Hosts only
// ever see copies of it.
type AppState struct {
	Rev         uint64         `json:"rev"`
	Router      Router         `json:"router"`
	Auth        AuthState      `json:"auth"`
	ChatList    []ChatSummary  `json:"chat_list"`
	CurrentChat *ChatViewState `json:"current_chat,omitempty"`
	Toast       *string        `json:"toast,omitempty"`
}

func NewAppState() AppState {
	return AppState{
		Router: Router{
			DefaultScreen: LoginScreen(),
			ScreenStack:   []Screen{},
		},
		Auth:     AuthState{Kind: AuthLoggedOut},
		ChatList: []ChatSummary{},
	}
}

func (s AppState) Clone() AppState {
	out := s
	out.Router = s.Router.Clone()
	out.ChatList = CloneChatList(s.ChatList)
	out.CurrentChat = s.CurrentChat.Clone()
	out.Toast = cloneString(s.Toast)
	return out
}

func (r Router) Clone() Router {
	out := r
	out.ScreenStack = append([]Screen{}, r.ScreenStack...)
	return out
}

func (v *ChatViewState) Clone() *ChatViewState {
	if v == nil {
		return nil
	}
	out := *v
	out.PeerName = cloneString(v.PeerName)
	out.Messages = append([]ChatMessage{}, v.Messages...)
	return &out
}

func CloneChatList(in []ChatSummary) []ChatSummary {
	out := make([]ChatSummary, 0, len(in))
	for _, item := range in {
		item.PeerName = cloneString(item.PeerName)
		item.LastMessage = cloneString(item.LastMessage)
		if item.LastMessageAt != nil {
			at := *item.LastMessageAt
			item.LastMessageAt = &at
		}
		out = append(out, item)
	}
	return out
}

func cloneString(v *string) *string {
	if v == nil {
		return nil
	}
	out := *v
	return &out
}

func StringPtr(v string) *string {
	return &v
}
