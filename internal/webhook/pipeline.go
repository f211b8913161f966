package webhook

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mattjoyce/hookrelay/internal/config"
	"github.com/mattjoyce/hookrelay/internal/event"
	"github.com/mattjoyce/hookrelay/internal/relay"
	"github.com/mattjoyce/hookrelay/internal/security"
)

// Request carries one inbound webhook through the pipeline.
type Request struct {
	ID       string
	Body     []byte
	Header   http.Header
	Settings config.Settings
	Now      time.Time
	Logger   *slog.Logger

	// set by the parse stage
	envelope event.Envelope
}

// Reply is the response the gateway sends to its caller.
type Reply struct {
	Status      int
	ContentType string
	Body        []byte
	// Outcome labels the reply in metrics and traces.
	Outcome string
}

// Outcome is the result of one stage: continue to the next stage or stop
// and respond.
type Outcome struct {
	done  bool
	reply Reply
}

// Continue lets the request through to the next stage.
func Continue() Outcome { return Outcome{} }

// Respond ends the pipeline with r.
func Respond(r Reply) Outcome { return Outcome{done: true, reply: r} }

type stage struct {
	name    string
	enabled func(*config.Settings) bool
	run     func(context.Context, *Request) Outcome
}

func always(*config.Settings) bool { return true }

// Pipeline runs the inbound checks in a fixed order and relays what passes.
//
// Order: client IP, signature, token, JSON parse, event filter, relay.
// The first stage that responds ends the request; later stages never run.
type Pipeline struct {
	stages  []stage
	relayer Relayer
	tracer  trace.Tracer
	metrics *Metrics
}

// NewPipeline builds the standard stage list.
func NewPipeline(relayer Relayer, tracer trace.Tracer, metrics *Metrics) *Pipeline {
	p := &Pipeline{relayer: relayer, tracer: tracer, metrics: metrics}
	p.stages = []stage{
		{name: "ip_filter", enabled: func(s *config.Settings) bool { return s.IPFilterEnabled }, run: p.checkIP},
		{name: "signature", enabled: func(s *config.Settings) bool { return s.SignatureEnabled }, run: p.checkSignature},
		{name: "token", enabled: func(s *config.Settings) bool { return s.TokenAuthEnabled }, run: p.checkToken},
		{name: "parse", enabled: always, run: p.parseJSON},
		{name: "filter", enabled: always, run: p.filterEvent},
		{name: "relay", enabled: always, run: p.relay},
	}
	return p
}

// Run folds req through the stages and returns the first reply produced.
func (p *Pipeline) Run(ctx context.Context, req *Request) Reply {
	if req.Logger == nil {
		req.Logger = slog.Default()
	}

	ctx, span := p.tracer.Start(ctx, "webhook.inbound",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("request.id", req.ID),
			attribute.Int("request.body_size", len(req.Body)),
		),
	)
	defer span.End()

	reply := p.fold(ctx, req)

	span.SetAttributes(
		attribute.Int("http.response.status_code", reply.Status),
		attribute.String("webhook.outcome", reply.Outcome),
	)
	if reply.Status >= http.StatusInternalServerError {
		span.SetStatus(codes.Error, reply.Outcome)
	}
	return reply
}

func (p *Pipeline) fold(ctx context.Context, req *Request) Reply {
	for _, st := range p.stages {
		if !st.enabled(&req.Settings) {
			continue
		}

		stageCtx, span := p.tracer.Start(ctx, "webhook."+st.name)
		out := st.run(stageCtx, req)
		if out.done {
			span.SetAttributes(attribute.String("webhook.outcome", out.reply.Outcome))
		}
		span.End()

		if out.done {
			return out.reply
		}
	}

	// The relay stage always responds.
	req.Logger.Error("pipeline finished without a reply")
	return errorReply(http.StatusInternalServerError, "internal_error", ErrorResponse{Error: "Internal server error"})
}

func (p *Pipeline) checkIP(_ context.Context, req *Request) Outcome {
	s := req.Settings
	clientIP := req.Header.Get(s.ClientIPHeader)
	if clientIP == "" && s.AllowMissingClientIP {
		req.Logger.Warn("client ip header missing, skipping ip filter", "header", s.ClientIPHeader)
	}

	if err := security.CheckClientIP(clientIP, s.AllowedIPs, s.AllowMissingClientIP); err != nil {
		req.Logger.Warn("client ip rejected", "client_ip", clientIP, "header", s.ClientIPHeader)
		return Respond(failureReply(err))
	}
	return Continue()
}

func (p *Pipeline) checkSignature(_ context.Context, req *Request) Outcome {
	header := req.Header.Get(security.SignatureHeader)
	if err := security.VerifySignature(req.Body, header, req.Settings.APIKey, req.Now); err != nil {
		req.Logger.Warn("signature verification failed", "error", err)
		return Respond(failureReply(err))
	}
	return Continue()
}

func (p *Pipeline) checkToken(_ context.Context, req *Request) Outcome {
	s := req.Settings
	err := security.CheckToken(req.Header.Get(s.TokenHeader), s.Token)
	if err == nil {
		return Continue()
	}

	if f, ok := security.AsFailure(err); ok && f.Kind == security.ServerMisconfiguration {
		req.Logger.Error("token auth enabled without a configured token", "env", config.EnvAPIToken)
	} else {
		req.Logger.Warn("token rejected", "header", s.TokenHeader)
	}
	return Respond(failureReply(err))
}

func (p *Pipeline) parseJSON(_ context.Context, req *Request) Outcome {
	env, err := event.Parse(req.Body)
	if err != nil {
		req.Logger.Warn("invalid webhook body", "error", err)
		return Respond(errorReply(http.StatusBadRequest, "invalid_json", ErrorResponse{Error: "Invalid JSON body"}))
	}
	req.envelope = env
	return Continue()
}

func (p *Pipeline) filterEvent(_ context.Context, req *Request) Outcome {
	env := req.envelope
	if event.Allowed(env.Event, req.Settings.AllowedEvents) {
		return Continue()
	}

	req.Logger.Info("event filtered", "event", env.Event, "call_id", env.CorrelationID())
	data, _ := json.Marshal(event.NewFiltered(env.Event))
	return Respond(Reply{
		Status:      http.StatusOK,
		ContentType: "application/json",
		Body:        data,
		Outcome:     "filtered",
	})
}

func (p *Pipeline) relay(ctx context.Context, req *Request) Outcome {
	env := req.envelope
	s := req.Settings

	req.Logger.Info("relaying event",
		"event", env.Name(),
		"call_id", env.CorrelationID(),
		"body_b3", fingerprint(req.Body),
	)

	resp := p.relayer.Forward(ctx, req.Body, relay.Destination{
		URL:       s.DownstreamURL,
		Secret:    s.DownstreamSecret,
		RequestID: req.ID,
	})
	p.metrics.observeRelay(resp)

	if span := trace.SpanFromContext(ctx); span.IsRecording() {
		span.SetAttributes(
			attribute.Int("relay.status_code", resp.Status),
			attribute.Int64("relay.duration_ms", resp.Duration.Milliseconds()),
		)
		if resp.Outcome != relay.OutcomeRelayed {
			span.SetStatus(codes.Error, string(resp.Outcome))
		}
	}

	req.Logger.Info("relay finished",
		"status", resp.Status,
		"outcome", string(resp.Outcome),
		"duration_ms", resp.Duration.Milliseconds(),
	)

	return Respond(Reply{
		Status:      resp.Status,
		ContentType: resp.ContentType,
		Body:        resp.Body,
		Outcome:     string(resp.Outcome),
	})
}

// fingerprint identifies a body in logs without logging its contents.
func fingerprint(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:8])
}

func failureReply(err error) Reply {
	f, ok := security.AsFailure(err)
	if !ok {
		return errorReply(http.StatusInternalServerError, "internal_error", ErrorResponse{Error: "Internal server error"})
	}
	return errorReply(f.Kind.Status(), f.Kind.String(), ErrorResponse{Error: f.Kind.Message()})
}

func errorReply(status int, outcome string, body ErrorResponse) Reply {
	data, _ := json.Marshal(body)
	return Reply{
		Status:      status,
		ContentType: "application/json",
		Body:        data,
		Outcome:     outcome,
	}
}
