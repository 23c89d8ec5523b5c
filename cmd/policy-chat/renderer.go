// ABOUTME: Streaming output renderer for the terminal client
// ABOUTME: Subscribes to engine events and prints assistant content as it accumulates

package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/Carlomos7/policy-chat-rag/internal/conversation"
	"github.com/Carlomos7/policy-chat-rag/internal/store"
)

// renderer prints assistant message deltas while a send is in flight. The
// engine upserts the in-flight assistant message by id with the full
// accumulated content each time, so the renderer tracks how much of each
// message it has already written and prints only the tail.
type renderer struct {
	svc   *conversation.Service
	subID string

	mu      sync.Mutex
	active  bool
	printed map[string]int // message id -> bytes already written
}

func newRenderer(ctx context.Context, svc *conversation.Service) *renderer {
	ch, subID := svc.Subscribe(ctx)
	r := &renderer{
		svc:     svc,
		subID:   subID,
		printed: make(map[string]int),
	}
	go r.loop(ch)
	return r
}

func (r *renderer) loop(ch <-chan conversation.Event) {
	for ev := range ch {
		if ev.Type != conversation.EventMessage || ev.Message == nil {
			continue
		}
		if ev.Message.Role != store.RoleAssistant {
			continue
		}

		r.mu.Lock()
		if !r.active {
			r.mu.Unlock()
			continue
		}
		content := ev.Message.Content
		already := r.printed[ev.Message.ID]
		if len(content) > already {
			fmt.Print(content[already:])
			r.printed[ev.Message.ID] = len(content)
		}
		r.mu.Unlock()
	}
}

// beginSend arms the renderer for a fresh exchange.
func (r *renderer) beginSend() {
	r.mu.Lock()
	r.active = true
	r.printed = make(map[string]int)
	r.mu.Unlock()
}

// endSend disarms the renderer once the send has settled.
func (r *renderer) endSend() {
	r.mu.Lock()
	r.active = false
	r.mu.Unlock()
}

func (r *renderer) stop() {
	r.svc.Unsubscribe(r.subID)
}
