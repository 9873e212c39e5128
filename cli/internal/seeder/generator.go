// Package seeder generates synthetic audit traffic for development.
package seeder

import (
	"fmt"
	"time"

	"github.com/brianvoe/gofakeit/v6"

	"github.com/telhawk-systems/telhawk-audit/cli/internal/client"
	"github.com/telhawk-systems/telhawk-audit/common/messaging"
)

// Event types understood by the audit service.
var EventTypes = []string{"FULL_STORE", "DB_STORE", "FILE_STORE", "ERROR_EVENT"}

// DefaultApplications are used when none are configured.
var DefaultApplications = []string{"iam", "cartera", "acme", "sys"}

var eventNames = []string{
	"Inicio de sesión",
	"Cierre de sesión",
	"Alta de usuario",
	"Baja de usuario",
	"Cambio de contraseña",
	"Consulta de cartera",
	"Préstamo aprobado",
	"Préstamo rechazado",
	"Actualización de teléfono",
	"Asignación de facultad",
}

// Options control generation.
type Options struct {
	Count        int
	Applications []string
	EventTypes   []string
	// Users is the size of the username pool.
	Users int
	// NotifyRatio is the share of events sent on the notify channel.
	NotifyRatio float64
	// TimeSpread places events evenly over the past window. Zero stamps
	// everything with the generation time.
	TimeSpread time.Duration
	// Seed makes generation reproducible when non-zero.
	Seed int64
}

// Message is one generated event and the subject it is published on.
type Message struct {
	Subject string
	Notify  bool
	Event   client.Event
}

// Generator produces synthetic audit events.
type Generator struct {
	opts  Options
	faker *gofakeit.Faker
	users []string
	now   func() time.Time
}

func NewGenerator(opts Options) *Generator {
	if len(opts.Applications) == 0 {
		opts.Applications = DefaultApplications
	}
	if len(opts.EventTypes) == 0 {
		opts.EventTypes = EventTypes
	}
	if opts.Users <= 0 {
		opts.Users = 10
	}

	faker := gofakeit.New(opts.Seed)
	users := make([]string, opts.Users)
	for i := range users {
		users[i] = faker.Username()
	}
	return &Generator{opts: opts, faker: faker, users: users, now: time.Now}
}

// Users returns the username pool.
func (g *Generator) Users() []string { return g.users }

// Generate returns opts.Count messages ordered oldest first.
func (g *Generator) Generate() []Message {
	now := g.now().UTC()
	out := make([]Message, 0, g.opts.Count)
	for i := 0; i < g.opts.Count; i++ {
		at := now
		if g.opts.TimeSpread > 0 && g.opts.Count > 1 {
			step := g.opts.TimeSpread / time.Duration(g.opts.Count-1)
			at = now.Add(-g.opts.TimeSpread + time.Duration(i)*step)
		}
		out = append(out, g.next(at))
	}
	return out
}

func (g *Generator) next(at time.Time) Message {
	app := g.faker.RandomString(g.opts.Applications)
	user := g.faker.RandomString(g.users)

	if g.opts.NotifyRatio > 0 && g.faker.Float64Range(0, 1) < g.opts.NotifyRatio {
		return Message{
			Subject: messaging.AuditNotifySubject(app),
			Notify:  true,
			Event:   g.Notification(app, user, at),
		}
	}

	e := client.Event{
		CorrelationID:   g.faker.UUID(),
		EventType:       g.faker.RandomString(g.opts.EventTypes),
		Username:        user,
		EventName:       g.faker.RandomString(eventNames),
		ApplicationName: app,
		EventBody:       g.body(),
		Timestamp:       at,
	}
	return Message{Subject: messaging.AuditEventSubject(app), Event: e}
}

// Notification builds a notify-channel event. Roughly one in ten is
// addressed to every user.
func (g *Generator) Notification(app, user string, at time.Time) client.Event {
	if g.faker.Number(1, 10) == 1 {
		user = "*"
	}
	return client.Event{
		CorrelationID:   g.faker.UUID(),
		EventType:       "DB_STORE",
		Username:        user,
		EventName:       "NOTIFICACION",
		ApplicationName: app,
		EventBody: map[string]any{
			"notificaFacultad": g.faker.RandomString(eventNames),
			"datos":            g.faker.Sentence(8),
		},
		Timestamp: at,
	}
}

func (g *Generator) body() map[string]any {
	return map[string]any{
		"datos": map[string]any{
			"idUsuario": g.faker.Number(1, 99999),
			"telefono":  g.faker.Phone(),
			"nombre":    g.faker.Name(),
			"correo":    g.faker.Email(),
		},
		"ip":      g.faker.IPv4Address(),
		"agente":  g.faker.UserAgent(),
		"detalle": fmt.Sprintf("%s %s", g.faker.HackerVerb(), g.faker.HackerNoun()),
	}
}
