// Package webhook receives source-control push notifications and hands them
// to the dispatcher.
//
// Every endpoint is protected by an HMAC-SHA256 signature over the raw body,
// compared in constant time. Failed verification always answers a generic 403.
//
// # Configuration
//
//	webhooks:
//	  listen: "0.0.0.0:8081"
//	  endpoints:
//	    - path: /webhook/github
//	      secret: ${GITHUB_WEBHOOK_SECRET}
//	      signature_header: X-Hub-Signature-256
//	      max_body_size: 1MiB
//
// # Request Flow
//
//  1. Body size checked (413 if too large)
//  2. Signature verified (403 on mismatch)
//  3. "ping" events answered with 200
//  4. Push payload parsed (400 if malformed)
//  5. Tag pushes and branch deletions answered with 202 {"outcome":"ignored"}
//  6. Dispatcher decision returned: 202 when enqueued, 200 for a rejection
//
// Rejections are not errors. A push to a branch no agent deploys is a normal,
// successful no-op and the sender should not retry it.
package webhook
