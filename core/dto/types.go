package dto

// API-bound message types handled by the background.
const (
	TypeCheckSubtitle     = "CHECK_SUBTITLE"
	TypeSubmitTranslation = "SUBMIT_TRANSLATION"
	TypeProcessVote       = "PROCESS_VOTE"
	TypePing              = "PING"
)

// Queue-control message types handled by the mediator.
const (
	TypeVoteEnqueue   = "VOTE_ENQUEUE"
	TypeVoteHistory   = "VOTE_GET_HISTORY"
	TypeVoteStatus    = "VOTE_GET_STATUS"
	TypeVoteRetry     = "VOTE_RETRY"
	TypeTransEnqueue  = "TRANSLATION_ENQUEUE"
	TypeTransHistory  = "TRANSLATION_GET_HISTORY"
	TypeTransStatus   = "TRANSLATION_GET_STATUS"
	TypeTransRetry    = "TRANSLATION_RETRY"
	TypeGetAllPending = "GET_ALL_PENDING"
	TypeGetQueueStats = "GET_QUEUE_STATS"
)

// Configuration message types routed to the configuration collaborator.
const (
	TypeConfigGet         = "CONFIG_GET"
	TypeConfigGetAll      = "CONFIG_GET_ALL"
	TypeConfigSet         = "CONFIG_SET"
	TypeConfigSetMultiple = "CONFIG_SET_MULTIPLE"
	TypeConfigChanged     = "CONFIG_CHANGED"
)

// TypePageReady is announced by the page script once it can receive envelopes.
const TypePageReady = "PAGE_READY"

// ConfigGetRequest is the payload of CONFIG_GET.
type ConfigGetRequest struct {
	Key string `json:"key"`
}

// ConfigSetRequest is the payload of CONFIG_SET.
type ConfigSetRequest struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
}

// ConfigSetMultipleRequest is the payload of CONFIG_SET_MULTIPLE.
type ConfigSetMultipleRequest struct {
	Values map[string]any `json:"values"`
}

// ConfigChange is the payload of CONFIG_CHANGED.
type ConfigChange struct {
	Key      string `json:"key"`
	Value    any    `json:"value"`
	OldValue any    `json:"oldValue,omitempty"`
}

// ConfigValue answers CONFIG_GET and CONFIG_SET.
type ConfigValue struct {
	Key   string `json:"key"`
	Value any    `json:"value"`
	Found bool   `json:"found"`
}

// ConfigValues answers CONFIG_GET_ALL and CONFIG_SET_MULTIPLE.
type ConfigValues struct {
	Values map[string]any `json:"values"`
}

// Pong answers PING.
type Pong struct {
	Pong   bool   `json:"pong"`
	Uptime string `json:"uptime"`
}
