package twilio

import (
	"errors"
	"fmt"
	"sort"

	twilioclient "github.com/twilio/twilio-go"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"
	"github.com/twilio/twilio-go/twiml"
)

// KeepAliveSeconds holds the call open while the stream socket does the work.
const KeepAliveSeconds = 3600

// StreamTwiML answers the call-setup webhook: connect the call's audio to the
// bridge's stream endpoint, passing params through as custom parameters.
func StreamTwiML(wsURL string, params map[string]string) (string, error) {
	if wsURL == "" {
		return "", errors.New("twilio: stream url is required")
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var inner []twiml.Element
	for _, k := range keys {
		inner = append(inner, &twiml.VoiceParameter{Name: k, Value: params[k]})
	}

	connect := &twiml.VoiceConnect{
		InnerElements: []twiml.Element{
			&twiml.VoiceStream{Url: wsURL, InnerElements: inner},
		},
	}
	pause := &twiml.VoicePause{Length: fmt.Sprint(KeepAliveSeconds)}
	return twiml.Voice([]twiml.Element{connect, pause})
}

// CallCreator places outbound calls.
type CallCreator interface {
	Call(to string) (string, error)
}

// Dialer places outbound calls through the Twilio REST API; Twilio then
// fetches webhookURL for the TwiML above.
type Dialer struct {
	client     *twilioclient.RestClient
	from       string
	webhookURL string
	method     string
}

func NewDialer(accountSid, authToken, from, webhookURL string) (*Dialer, error) {
	if accountSid == "" || authToken == "" || from == "" {
		return nil, errors.New("twilio: account sid, auth token and from number are required")
	}
	if webhookURL == "" {
		return nil, errors.New("twilio: webhook url is required")
	}
	client := twilioclient.NewRestClientWithParams(twilioclient.ClientParams{
		Username: accountSid,
		Password: authToken,
	})
	return &Dialer{client: client, from: from, webhookURL: webhookURL, method: "POST"}, nil
}

// Call dials to and returns the new call's SID.
func (d *Dialer) Call(to string) (string, error) {
	if to == "" {
		return "", errors.New("twilio: destination number is required")
	}
	params := &openapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(d.from)
	params.SetUrl(d.webhookURL)
	params.SetMethod(d.method)

	resp, err := d.client.Api.CreateCall(params)
	if err != nil {
		return "", fmt.Errorf("create call: %w", err)
	}
	if resp.Sid == nil {
		return "", errors.New("twilio: create call returned no sid")
	}
	return *resp.Sid, nil
}
