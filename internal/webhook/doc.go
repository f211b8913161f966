// Package webhook is the inbound HTTP surface of the gateway.
//
// Every POST, whatever its path, is one webhook delivery. The body is read
// once and passed through a fixed pipeline:
//
//  1. Client IP allowlist, read from a trusted edge header (403)
//  2. Signed-timestamp HMAC over body and timestamp (401)
//  3. Optional shared token in a configurable header (401, or 500 when
//     enabled without a token)
//  4. JSON parse; the body must be an object (400)
//  5. Event filter; unlisted events are acknowledged with 200 "filtered"
//  6. Relay to the downstream URL, passing its status and body through
//     (504 on timeout, 502 on any other transport failure)
//
// Each check can be switched off through the environment, and Settings are
// rebuilt for every request so a changed environment takes effect without a
// restart. The first stage that responds ends the request.
//
// GET /health always answers 200. Any other method gets 405 with
// "Allow: POST, GET". Bodies over the configured limit get 413.
//
// # Example Usage
//
//	srv := webhook.New(webhook.Config{Listen: ":8787"},
//		config.SettingsFromEnv,
//		relay.New(relay.WithTimeout(8*time.Second)),
//		logger,
//		webhook.WithMetrics(webhook.NewMetrics(prometheus.DefaultRegisterer)),
//	)
//	if err := srv.Start(ctx); err != nil {
//		log.Fatal(err)
//	}
package webhook
