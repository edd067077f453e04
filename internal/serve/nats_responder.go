package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const responderTimeout = 5 * time.Second

// RunNATSResponder answers status requests over NATS request-reply:
//
//	{prefix}.status
//	{prefix}.outputs
//	{prefix}.outputs.{data_stream}
func RunNATSResponder(ctx context.Context, nc *nats.Conn, prefix string, svc *Service, logger *zap.Logger) error {
	if prefix == "" {
		prefix = "esds.api"
	}

	subject := prefix + ".>"
	sub, err := nc.Subscribe(subject, func(msg *nats.Msg) {
		rctx, cancel := context.WithTimeout(ctx, responderTimeout)
		defer cancel()
		respond(msg, answer(rctx, svc, strings.TrimPrefix(msg.Subject, prefix+".")))
	})
	if err != nil {
		return fmt.Errorf("subscribing to %s: %w", subject, err)
	}

	logger.Info("NATS responder started", zap.String("subject", subject))

	<-ctx.Done()
	sub.Unsubscribe()
	return nil
}

func answer(ctx context.Context, svc *Service, op string) any {
	switch {
	case op == "status":
		return svc.Status()
	case op == "outputs":
		outputs, err := svc.Outputs(ctx)
		if err != nil {
			return errorBody(err)
		}
		return outputs
	case strings.HasPrefix(op, "outputs."):
		detail, err := svc.Output(ctx, strings.TrimPrefix(op, "outputs."))
		if err != nil {
			return errorBody(err)
		}
		return detail
	default:
		return map[string]string{"error": "unknown request " + op}
	}
}

func errorBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func respond(msg *nats.Msg, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(errorBody(err))
	}
	msg.Respond(data)
}
