package model

// ApiInfo is returned by server/info and by GET /info.
type ApiInfo struct {
	APIVersion         string     `json:"apiVersion"`
	ServerTimestamp    *Timestamp `json:"serverTimestamp,omitempty"`
	WebSocketServerURL string     `json:"webSocketServerUrl,omitempty"`
	RestServerURL      string     `json:"restServerUrl,omitempty"`
}
