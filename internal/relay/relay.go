// Package relay is the messaging boundary: NIP-04 direct messages out, and a
// subscription that feeds inbound DMs and zap receipts to their handlers.
package relay

import (
	"context"
	"fmt"
	"log"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
)

type Client struct {
	sk   string
	pk   string
	urls []string
	pool *nostr.SimplePool
}

func New(ctx context.Context, secretKey string, urls []string) (*Client, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("no relay urls configured")
	}
	pk, err := nostr.GetPublicKey(secretKey)
	if err != nil {
		return nil, fmt.Errorf("derive pubkey: %w", err)
	}
	return &Client{
		sk:   secretKey,
		pk:   pk,
		urls: urls,
		pool: nostr.NewSimplePool(ctx),
	}, nil
}

func (c *Client) Pubkey() string { return c.pk }

// Send encrypts text for pubkey and publishes the direct message to every
// configured relay. One accepting relay is enough.
func (c *Client) Send(ctx context.Context, pubkey, text string) error {
	shared, err := nip04.ComputeSharedSecret(pubkey, c.sk)
	if err != nil {
		return fmt.Errorf("shared secret: %w", err)
	}
	content, err := nip04.Encrypt(text, shared)
	if err != nil {
		return fmt.Errorf("encrypt: %w", err)
	}

	ev := nostr.Event{
		PubKey:    c.pk,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindEncryptedDirectMessage,
		Tags:      nostr.Tags{{"p", pubkey}},
		Content:   content,
	}
	if err := ev.Sign(c.sk); err != nil {
		return fmt.Errorf("sign: %w", err)
	}

	var lastErr error
	accepted := 0
	for _, url := range c.urls {
		r, err := c.pool.EnsureRelay(url)
		if err != nil {
			lastErr = err
			continue
		}
		if err := r.Publish(ctx, ev); err != nil {
			lastErr = err
			continue
		}
		accepted++
	}
	if accepted == 0 {
		return fmt.Errorf("publish to %d relay(s): %w", len(c.urls), lastErr)
	}
	return nil
}

// Listen consumes events addressed to the bot until ctx is cancelled.
// Decrypted direct messages go to onDM; zap receipts go to onReceipt raw,
// since the verifier checks the envelope itself.
func (c *Client) Listen(ctx context.Context, onDM func(ctx context.Context, pubkey, text string), onReceipt func(ctx context.Context, ev *nostr.Event)) {
	since := nostr.Now()
	filter := nostr.Filter{
		Kinds: []int{nostr.KindEncryptedDirectMessage, nostr.KindZap},
		Tags:  nostr.TagMap{"p": []string{c.pk}},
		Since: &since,
	}

	for incoming := range c.pool.SubMany(ctx, c.urls, nostr.Filters{filter}) {
		ev := incoming.Event
		if ev == nil {
			continue
		}
		switch ev.Kind {
		case nostr.KindEncryptedDirectMessage:
			if ev.PubKey == c.pk {
				continue
			}
			shared, err := nip04.ComputeSharedSecret(ev.PubKey, c.sk)
			if err != nil {
				log.Printf("relay: shared secret for %s: %v", ev.PubKey, err)
				continue
			}
			text, err := nip04.Decrypt(ev.Content, shared)
			if err != nil {
				log.Printf("relay: decrypt dm from %s: %v", ev.PubKey, err)
				continue
			}
			onDM(ctx, ev.PubKey, text)
		case nostr.KindZap:
			onReceipt(ctx, ev)
		}
	}
}
