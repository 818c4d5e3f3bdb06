// Package webhook signs outbound webhook deliveries and verifies them on the
// receiving side.
//
// Deliveries carry an HMAC-SHA256 signature over "<unix ms>.<raw body>" in the
// x-webhook-signature header, together with x-webhook-timestamp and
// x-webhook-alg. Verification rejects stale timestamps (default tolerance five
// minutes) and compares MACs in constant time.
//
// Receiver is a small chi server that verifies signed deliveries and hands
// them to a Sink. It backs the "transactly receive" command and is used as a
// delivery target in dispatcher tests.
package webhook
