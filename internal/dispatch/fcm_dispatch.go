package dispatch

import (
	"bytes"
	"encoding/json"
	"net/http"
	"time"
)

// FCMDispatcher posts JSON to the FCM HTTPv1 endpoint using a server
// key or oauth token. Token lookup per recipient is the gateway's
// problem; this only speaks the wire format.
type FCMDispatcher struct {
	Endpoint string
	Key      string
	Client   *http.Client
}

func NewFCMDispatcher(endpoint, key string) *FCMDispatcher {
	return &FCMDispatcher{Endpoint: endpoint, Key: key, Client: &http.Client{Timeout: 3 * time.Second}}
}

func (f *FCMDispatcher) Deliver(recipientID string, p Payload) error {
	body := map[string]any{"message": map[string]any{
		"token": recipientID,
		"notification": map[string]string{
			"title": p.Title,
			"body":  p.Body,
		},
		"data": map[string]any{"type": p.Type, "payload": p.Data},
	}}
	b, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequest("POST", f.Endpoint, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if f.Key != "" {
		req.Header.Set("Authorization", "Bearer "+f.Key)
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}
