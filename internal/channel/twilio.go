package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

const twilioBaseURL = "https://api.twilio.com"

// TwilioConfig holds account credentials shared by the SMS and voice senders.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
	From       string
	BaseURL    string
}

type twilioClient struct {
	cfg    TwilioConfig
	client *http.Client
}

func newTwilioClient(cfg TwilioConfig, client *http.Client) (*twilioClient, error) {
	if cfg.AccountSID == "" || cfg.AuthToken == "" || cfg.From == "" {
		return nil, errors.New("twilio account_sid, auth_token and from are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = twilioBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if client == nil {
		client = &http.Client{}
	}
	return &twilioClient{cfg: cfg, client: client}, nil
}

// twilioResource is the subset of Message and Call resources we read back.
type twilioResource struct {
	SID          string `json:"sid"`
	Status       string `json:"status"`
	ErrorCode    *int   `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

type twilioError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  int    `json:"status"`
}

// create POSTs form to Accounts/{sid}/{resource}.json.
func (c *twilioClient) create(ctx context.Context, resource string, form url.Values) (twilioResource, error) {
	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/%s.json", c.cfg.BaseURL, url.PathEscape(c.cfg.AccountSID), resource)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return twilioResource{}, err
	}
	req.SetBasicAuth(c.cfg.AccountSID, c.cfg.AuthToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return twilioResource{}, fmt.Errorf("twilio request: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 400 {
		var te twilioError
		if json.Unmarshal(body, &te) == nil && te.Message != "" {
			return twilioResource{}, fmt.Errorf("twilio returned status %d: code %d: %s", resp.StatusCode, te.Code, te.Message)
		}
		return twilioResource{}, fmt.Errorf("twilio returned status %d", resp.StatusCode)
	}

	var res twilioResource
	if err := json.Unmarshal(body, &res); err != nil {
		return twilioResource{}, fmt.Errorf("decode twilio response: %w", err)
	}
	return res, nil
}

func (r twilioResource) failed() bool {
	switch r.Status {
	case "failed", "undelivered", "canceled", "busy", "no-answer":
		return true
	}
	return r.ErrorCode != nil && *r.ErrorCode != 0
}

// SMSSender sends text messages through the Twilio Messages API.
type SMSSender struct {
	tw *twilioClient
}

func NewSMSSender(cfg TwilioConfig, client *http.Client) (*SMSSender, error) {
	tw, err := newTwilioClient(cfg, client)
	if err != nil {
		return nil, err
	}
	return &SMSSender{tw: tw}, nil
}

func (s *SMSSender) Send(ctx context.Context, d Delivery) (bool, error) {
	form := url.Values{}
	form.Set("To", d.Destination)
	form.Set("From", s.tw.cfg.From)
	form.Set("Body", d.Body)

	res, err := s.tw.create(ctx, "Messages", form)
	if err != nil {
		return false, err
	}
	if res.failed() {
		return false, fmt.Errorf("%w: message %s is %s: %s", ErrRejected, res.SID, res.Status, res.ErrorMessage)
	}
	return true, nil
}
