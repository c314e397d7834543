package core

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajax-ai/ajax-chat/internal/store"
)

// A stalled provider stream must not hold a turn open forever.
const streamTimeout = 2 * time.Minute

// Stream yields the reply one text fragment at a time. Next returns io.EOF
// when the provider ends the turn; any other error aborts the stream.
type Stream interface {
	Next() (string, error)
}

// Gateway converts a transcript into the provider's request shape and streams
// back the reply.
type Gateway interface {
	StreamReply(ctx context.Context, transcript []store.MessageBody) (Stream, error)
}

type GeminiGateway struct {
	client *genai.Client
	model  string
}

func NewGeminiGateway(ctx context.Context, apiKey, model string) (*GeminiGateway, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create GenAI client: %w", err)
	}
	return &GeminiGateway{client: client, model: model}, nil
}

func (g *GeminiGateway) Close() error {
	return g.client.Close()
}

// providerRole maps the internal role vocabulary to the provider's. The UI's
// "assistant" display label never reaches the store, but a transcript entry
// carrying it would still submit as "model".
func providerRole(role store.Role) string {
	if role == store.RoleUser {
		return "user"
	}
	return "model"
}

func (g *GeminiGateway) StreamReply(ctx context.Context, transcript []store.MessageBody) (Stream, error) {
	if len(transcript) == 0 {
		return nil, fmt.Errorf("transcript is empty")
	}
	last := transcript[len(transcript)-1]
	if last.Role != store.RoleUser {
		return nil, fmt.Errorf("last transcript entry is not from the user")
	}

	model := g.client.GenerativeModel(g.model)
	session := model.StartChat()
	for _, entry := range transcript[:len(transcript)-1] {
		session.History = append(session.History, &genai.Content{
			Role:  providerRole(entry.Role),
			Parts: []genai.Part{genai.Text(entry.Content)},
		})
	}

	ctx, cancel := context.WithTimeout(ctx, streamTimeout)
	iter := session.SendMessageStream(ctx, genai.Text(last.Content))
	return &geminiStream{iter: iter, cancel: cancel}, nil
}

type geminiStream struct {
	iter   *genai.GenerateContentResponseIterator
	cancel context.CancelFunc
}

func (s *geminiStream) Next() (string, error) {
	resp, err := s.iter.Next()
	if err == iterator.Done {
		s.cancel()
		return "", io.EOF
	}
	if err != nil {
		s.cancel()
		return "", fmt.Errorf("gemini stream failed: %w", err)
	}

	var fragment strings.Builder
	if len(resp.Candidates) > 0 && resp.Candidates[0].Content != nil {
		for _, part := range resp.Candidates[0].Content.Parts {
			if txt, ok := part.(genai.Text); ok {
				fragment.WriteString(string(txt))
			}
		}
	}
	return fragment.String(), nil
}
