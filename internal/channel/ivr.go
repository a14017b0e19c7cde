package channel

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"medremind/internal/reminder"
)

// IVRConfig configures outbound voice calls.
type IVRConfig struct {
	Twilio TwilioConfig
	// TwimlURL, when set, is fetched by Twilio instead of sending inline TwiML.
	TwimlURL      string
	Voice         string
	DefaultLocale string
}

// voiceLocales maps reminder languages to TTS locales. Local languages
// without a TTS voice fall back to IVRConfig.DefaultLocale.
var voiceLocales = map[reminder.Language]string{
	reminder.LanguageEnglish: "en-US",
	reminder.LanguageFrench:  "fr-FR",
}

// IVRSender places a voice call that reads the reminder aloud.
type IVRSender struct {
	tw  *twilioClient
	cfg IVRConfig
}

func NewIVRSender(cfg IVRConfig, client *http.Client) (*IVRSender, error) {
	tw, err := newTwilioClient(cfg.Twilio, client)
	if err != nil {
		return nil, err
	}
	if cfg.DefaultLocale == "" {
		cfg.DefaultLocale = "fr-FR"
	}
	if cfg.Voice == "" {
		cfg.Voice = "alice"
	}
	return &IVRSender{tw: tw, cfg: cfg}, nil
}

func (s *IVRSender) Send(ctx context.Context, d Delivery) (bool, error) {
	form := url.Values{}
	form.Set("To", d.Destination)
	form.Set("From", s.tw.cfg.From)
	if s.cfg.TwimlURL != "" {
		u, err := url.Parse(s.cfg.TwimlURL)
		if err != nil {
			return false, fmt.Errorf("twiml url: %w", err)
		}
		q := u.Query()
		q.Set("reminder", d.ReminderID)
		u.RawQuery = q.Encode()
		form.Set("Url", u.String())
	} else {
		twiml, err := s.TwiML(d)
		if err != nil {
			return false, err
		}
		form.Set("Twiml", twiml)
	}

	res, err := s.tw.create(ctx, "Calls", form)
	if err != nil {
		return false, err
	}
	if res.failed() {
		return false, fmt.Errorf("%w: call %s is %s", ErrRejected, res.SID, res.Status)
	}
	return true, nil
}

// Locale returns the TTS locale used for lang.
func (s *IVRSender) Locale(lang reminder.Language) string {
	if l, ok := voiceLocales[lang]; ok {
		return l
	}
	return s.cfg.DefaultLocale
}

// TwiML renders a <Say> document for d. The message is read twice.
func (s *IVRSender) TwiML(d Delivery) (string, error) {
	var text bytes.Buffer
	if err := xml.EscapeText(&text, []byte(strings.TrimSpace(d.Body))); err != nil {
		return "", err
	}
	say := fmt.Sprintf(`<Say voice="%s" language="%s">%s</Say>`, s.cfg.Voice, s.Locale(d.Language), text.String())
	return `<?xml version="1.0" encoding="UTF-8"?><Response>` + say + `<Pause length="1"/>` + say + `</Response>`, nil
}
