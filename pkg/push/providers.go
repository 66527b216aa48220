package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"time"
)

// Message is the platform-neutral notification content.
type Message struct {
	Title string         `json:"title"`
	Body  string         `json:"body"`
	Data  map[string]any `json:"data,omitempty"`
}

// Result is a provider's delivery outcome. PermanentFailure means the
// token is dead and should be pruned.
type Result struct {
	Success          bool
	StatusCode       int
	Error            string
	PermanentFailure bool
}

// Provider sends one notification to one device token.
type Provider interface {
	Send(ctx context.Context, token string, msg Message) Result
}

// fcmPermanentBody matches FCM response bodies indicating a dead token.
var fcmPermanentBody = regexp.MustCompile(`NotRegistered|InvalidRegistration`)

// FCMProvider sends via the FCM legacy HTTP endpoint with server-key auth.
type FCMProvider struct {
	ServerKey string
	Endpoint  string // defaults to the production endpoint
	Client    *http.Client
}

// NewFCMProvider creates an FCM provider for the given server key.
func NewFCMProvider(serverKey string) *FCMProvider {
	return &FCMProvider{
		ServerKey: serverKey,
		Endpoint:  "https://fcm.googleapis.com/fcm/send",
		Client:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *FCMProvider) Send(ctx context.Context, token string, msg Message) Result {
	payload, _ := json.Marshal(map[string]any{
		"to": token,
		"notification": map[string]string{
			"title": msg.Title,
			"body":  msg.Body,
		},
		"data": msg.Data,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "key="+p.ServerKey)

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))

	result := Result{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		// FCM can answer 200 with a per-message error in the body.
		if fcmPermanentBody.Match(body) {
			result.Error = "token not registered"
			result.PermanentFailure = true
		} else {
			result.Success = true
		}
	case resp.StatusCode == 400 || resp.StatusCode == 404 || resp.StatusCode == 410:
		result.Error = fmt.Sprintf("fcm status %d", resp.StatusCode)
		result.PermanentFailure = true
	default:
		result.Error = fmt.Sprintf("fcm status %d", resp.StatusCode)
	}
	return result
}

// APNSProvider sends via the APNS HTTP/2 API with bearer-token auth.
type APNSProvider struct {
	BearerToken string
	Topic       string
	Host        string // e.g. https://api.push.apple.com
	Client      *http.Client
}

// NewAPNSProvider creates an APNS provider.
func NewAPNSProvider(bearerToken, topic, host string) *APNSProvider {
	if host == "" {
		host = "https://api.push.apple.com"
	}
	return &APNSProvider{
		BearerToken: bearerToken,
		Topic:       topic,
		Host:        host,
		Client:      &http.Client{Timeout: 10 * time.Second},
	}
}

func (p *APNSProvider) Send(ctx context.Context, token string, msg Message) Result {
	payload, _ := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{
				"title": msg.Title,
				"body":  msg.Body,
			},
		},
		"data": msg.Data,
	})

	url := fmt.Sprintf("%s/3/device/%s", p.Host, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return Result{Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "bearer "+p.BearerToken)
	req.Header.Set("apns-topic", p.Topic)
	req.Header.Set("apns-push-type", "alert")

	resp, err := p.Client.Do(req)
	if err != nil {
		return Result{Error: err.Error()}
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	result := Result{StatusCode: resp.StatusCode}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode <= 299:
		result.Success = true
	case resp.StatusCode == 400 || resp.StatusCode == 410:
		result.Error = fmt.Sprintf("apns status %d", resp.StatusCode)
		result.PermanentFailure = true
	default:
		result.Error = fmt.Sprintf("apns status %d", resp.StatusCode)
	}
	return result
}
