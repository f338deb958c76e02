package dispatch

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/darkden-lab/dispatchd/internal/events"
)

// Outcomes reported to RouterMetrics.
const (
	RouteRouted    = "routed"
	RouteUnmatched = "unmatched"
	RouteMalformed = "malformed"
)

// RouterMetrics receives one call per routed envelope.
type RouterMetrics interface {
	EnvelopeRouted(topic events.Topic, result string)
}

// IntentTemplate describes one notification produced by a Rule. Recipient,
// Subject and Message are text/template sources evaluated against
// templateData.
type IntentTemplate struct {
	Channel   Channel
	Recipient string
	Subject   string
	Message   string
}

// Rule maps one (topic, event_type) pair to the intents it produces.
type Rule struct {
	Topic     events.Topic
	EventType string
	Intents   []IntentTemplate
}

// DefaultRules is the routing table of the notification service.
var DefaultRules = []Rule{
	{
		Topic:     events.TopicAppointment,
		EventType: events.TypeAppointmentCreated,
		Intents: []IntentTemplate{
			{
				Channel:   ChannelEmail,
				Recipient: "patient-{{.Event.patient_id}}@{{.Domain}}",
				Subject:   "Appointment scheduled",
				Message:   "Your appointment has been scheduled for {{.Event.appointment_datetime}}",
			},
			{
				Channel:   ChannelEmail,
				Recipient: "doctor-{{.Event.doctor_id}}@{{.Domain}}",
				Subject:   "New appointment",
				Message:   "New appointment scheduled with patient {{.Event.patient_id}} at {{.Event.appointment_datetime}}",
			},
		},
	},
	{
		Topic:     events.TopicAppointment,
		EventType: events.TypeAppointmentStatusUpdated,
		Intents: []IntentTemplate{
			{
				Channel:   ChannelEmail,
				Recipient: "{{.AdminRecipient}}",
				Subject:   "Appointment status updated",
				Message:   "Appointment {{.Event.appointment_id}} status updated to: {{.Event.status}}",
			},
		},
	},
	{
		Topic:     events.TopicUser,
		EventType: events.TypeUserRegistered,
		Intents: []IntentTemplate{
			{
				Channel:   ChannelEmail,
				Recipient: "{{.Event.email}}",
				Subject:   "Welcome",
				Message:   "Welcome to Healthcare System! Your account has been created successfully.",
			},
		},
	},
	{
		Topic:     events.TopicPayment,
		EventType: events.TypePaymentCompleted,
		Intents: []IntentTemplate{
			{
				Channel:   ChannelEmail,
				Recipient: "user-{{.Event.user_id}}@{{.Domain}}",
				Subject:   "Payment received",
				Message:   "Payment of ${{.Event.amount}} has been processed successfully",
			},
		},
	},
}

// RouterConfig holds the values templates can reference besides the payload.
type RouterConfig struct {
	Domain         string
	AdminRecipient string
}

type templateData struct {
	Event          map[string]string
	Domain         string
	AdminRecipient string
}

type compiledIntent struct {
	channel   Channel
	recipient *template.Template
	subject   *template.Template
	message   *template.Template
}

type ruleKey struct {
	topic     events.Topic
	eventType string
}

// Router turns envelopes into intents. Route has no side effects besides
// metrics and logging and never fails.
type Router struct {
	table    map[ruleKey][]compiledIntent
	cfg      RouterConfig
	metrics  RouterMetrics
	log      zerolog.Logger
	validate *validator.Validate
}

// NewRouter compiles the routing table. It fails only on template syntax
// errors or duplicate rules.
func NewRouter(rules []Rule, cfg RouterConfig, metrics RouterMetrics, log zerolog.Logger) (*Router, error) {
	if cfg.Domain == "" {
		cfg.Domain = "healthcare.com"
	}
	if cfg.AdminRecipient == "" {
		cfg.AdminRecipient = "admin@" + cfg.Domain
	}

	table := make(map[ruleKey][]compiledIntent, len(rules))
	for _, rule := range rules {
		key := ruleKey{rule.Topic, rule.EventType}
		if _, dup := table[key]; dup {
			return nil, fmt.Errorf("duplicate routing rule %s/%s", rule.Topic, rule.EventType)
		}
		compiled := make([]compiledIntent, 0, len(rule.Intents))
		for i, it := range rule.Intents {
			name := fmt.Sprintf("%s/%s#%d", rule.Topic, rule.EventType, i)
			ci := compiledIntent{channel: it.Channel}
			var err error
			if ci.recipient, err = parseTemplate(name+".recipient", it.Recipient); err != nil {
				return nil, err
			}
			if ci.subject, err = parseTemplate(name+".subject", it.Subject); err != nil {
				return nil, err
			}
			if ci.message, err = parseTemplate(name+".message", it.Message); err != nil {
				return nil, err
			}
			compiled = append(compiled, ci)
		}
		table[key] = compiled
	}

	return &Router{
		table:    table,
		cfg:      cfg,
		metrics:  metrics,
		log:      log,
		validate: validator.New(),
	}, nil
}

func parseTemplate(name, src string) (*template.Template, error) {
	t, err := template.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return nil, fmt.Errorf("parse template %s: %w", name, err)
	}
	return t, nil
}

// Route returns the intents for env in rule order. An envelope without a rule,
// or whose payload cannot fill the rule's templates, yields no intents.
func (r *Router) Route(env events.Envelope) []Intent {
	compiled, ok := r.table[ruleKey{env.Topic(), env.EventType()}]
	if !ok {
		r.log.Debug().
			Str("topic", string(env.Topic())).
			Str("event_type", env.EventType()).
			Str("source", env.Identity()).
			Msg("unmatched event")
		r.report(env, RouteUnmatched)
		return []Intent{}
	}

	data := templateData{
		Event:          env.Payload(),
		Domain:         r.cfg.Domain,
		AdminRecipient: r.cfg.AdminRecipient,
	}

	intents := make([]Intent, 0, len(compiled))
	for seq, ci := range compiled {
		in, err := r.render(ci, data)
		if err != nil {
			r.log.Warn().Err(err).
				Str("topic", string(env.Topic())).
				Str("event_type", env.EventType()).
				Str("source", env.Identity()).
				Msg("cannot build notification from event")
			r.report(env, RouteMalformed)
			return []Intent{}
		}
		in.CorrelationID = CorrelationID(env.Identity(), seq)
		intents = append(intents, in)
	}

	r.report(env, RouteRouted)
	return intents
}

func (r *Router) render(ci compiledIntent, data templateData) (Intent, error) {
	recipient, err := execute(ci.recipient, data)
	if err != nil {
		return Intent{}, err
	}
	subject, err := execute(ci.subject, data)
	if err != nil {
		return Intent{}, err
	}
	message, err := execute(ci.message, data)
	if err != nil {
		return Intent{}, err
	}
	recipient = strings.TrimSpace(recipient)
	if err := r.validate.Var(recipient, recipientRule(ci.channel)); err != nil {
		return Intent{}, fmt.Errorf("recipient %q for %s: %w", recipient, ci.channel, err)
	}
	return Intent{
		Channel:   ci.channel,
		Recipient: recipient,
		Subject:   subject,
		Message:   message,
	}, nil
}

func execute(t *template.Template, data templateData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// recipientRule is the validator tag a recipient must satisfy for a channel.
func recipientRule(ch Channel) string {
	switch ch {
	case ChannelEmail:
		return "required,email"
	case ChannelSMS:
		return "required,e164"
	default:
		return "required"
	}
}

// ValidateRecipient checks an address against the channel's address form.
func ValidateRecipient(v *validator.Validate, ch Channel, recipient string) error {
	return v.Var(recipient, recipientRule(ch))
}

func (r *Router) report(env events.Envelope, result string) {
	if r.metrics != nil {
		r.metrics.EnvelopeRouted(env.Topic(), result)
	}
}
