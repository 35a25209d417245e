package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	session "github.com/arcgis-community/portal-session"
	"github.com/arcgis-community/portal-session/host"
	"github.com/arcgis-community/portal-session/instrumentation"
)

// Cross-context relay message types.
const (
	MessageTypeRequestCredential = "arcgis:auth:requestCredential"
	MessageTypeCredential        = "arcgis:auth:credential"
	MessageTypeError             = "arcgis:auth:error"
)

// errNameTokenExpired is the wire-level error name sent when the serving
// session's token has already lapsed.
const errNameTokenExpired = "tokenExpiredError"

// Options configures relay endpoints.
type Options struct {
	Logger          *slog.Logger
	Instrumentation *instrumentation.Instrumentation
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Instrumentation == nil {
		o.Instrumentation = instrumentation.Disabled()
	}
	return o
}

// Enable starts answering credential requests from the given origins with
// the session's current credential. Origins are matched exactly against
// the transport-observed sender origin. Requests from any other origin,
// and messages of any other type, are ignored. The returned function stops
// answering.
func Enable(s *session.Session, allowedOrigins []string, messenger host.Messenger, opts Options) (cancel func()) {
	opts = opts.withDefaults()

	allowed := make(map[string]struct{}, len(allowedOrigins))
	for _, origin := range allowedOrigins {
		allowed[origin] = struct{}{}
	}

	return messenger.Subscribe(func(in host.Incoming) {
		if in.Type != MessageTypeRequestCredential {
			return
		}
		if _, ok := allowed[in.Origin]; !ok {
			opts.Logger.Debug("ignoring credential request from unlisted origin",
				"origin", in.Origin)
			return
		}

		reply, result := buildReply(s)
		opts.Instrumentation.Metrics().RelayReplies.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)))
		opts.Logger.Debug("answering credential request",
			"origin", in.Origin,
			"result", result)

		if err := in.Reply(reply); err != nil {
			opts.Logger.Warn("failed to reply to credential request",
				"origin", in.Origin,
				"error", err)
		}
	})
}

// buildReply produces a credential reply for an allowed requester, or an
// error reply when the serving token has already expired.
func buildReply(s *session.Session) (host.Message, string) {
	expiry := s.TokenExpiry()
	if !expiry.IsZero() && !time.Now().Before(expiry) {
		return host.Message{
			Type: MessageTypeError,
			Error: &host.MessageError{
				Name:    errNameTokenExpired,
				Message: "the session's token has expired and cannot be shared",
			},
		}, "expired"
	}

	cred, err := credentialMap(s.ToCredential())
	if err != nil {
		return host.Message{
			Type: MessageTypeError,
			Error: &host.MessageError{
				Name:    session.ErrorCodeAuthError,
				Message: err.Error(),
			},
		}, "error"
	}
	return host.Message{Type: MessageTypeCredential, Credential: cred}, "shared"
}

// RequestFromParent asks the parent context for its credential and builds
// a session from the reply. A reply arriving from any origin other than
// parentOrigin rejects the request.
func RequestFromParent(ctx context.Context, parentOrigin string, messenger host.Messenger, opts Options, sessionOpts ...session.Options) (*session.Session, error) {
	opts = opts.withDefaults()

	type outcome struct {
		s   *session.Session
		err error
	}
	ch := make(chan outcome, 1)

	settle := func(o outcome) {
		select {
		case ch <- o:
		default:
		}
	}

	cancel := messenger.Subscribe(func(in host.Incoming) {
		switch in.Type {
		case MessageTypeCredential, MessageTypeError:
		default:
			return
		}
		if in.Origin != parentOrigin {
			settle(outcome{err: session.ErrRelayRejected(fmt.Sprintf(
				"%q rejected the authentication request; expected a reply from %q",
				in.Origin, parentOrigin))})
			return
		}
		if in.Type == MessageTypeError {
			name := session.ErrorCodeAuthError
			message := "the parent context could not share a credential"
			if in.Error != nil {
				name = in.Error.Name
				message = in.Error.Message
			}
			settle(outcome{err: session.NewAuthError(name, message)})
			return
		}

		cred, err := credentialFromMap(in.Credential)
		if err != nil {
			settle(outcome{err: err})
			return
		}
		s, err := session.FromCredential(cred, sessionOpts...)
		settle(outcome{s: s, err: err})
	})
	defer cancel()

	if err := messenger.Post(parentOrigin, host.Message{Type: MessageTypeRequestCredential}); err != nil {
		return nil, fmt.Errorf("failed to request credential from parent: %w", err)
	}

	select {
	case o := <-ch:
		if o.err != nil {
			opts.Logger.Debug("credential request failed", "parent", parentOrigin, "error", o.err)
		}
		return o.s, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func credentialMap(c *session.Credential) (map[string]any, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to encode credential: %w", err)
	}
	return m, nil
}

func credentialFromMap(m map[string]any) (*session.Credential, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	var c session.Credential
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to decode credential: %w", err)
	}
	return &c, nil
}
