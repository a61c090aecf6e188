// Package llmgraph compiles the small prompt->model pipelines the agents
// share.
package llmgraph

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cloudwego/eino/components/model"
	einoprompt "github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/compose"
	"github.com/cloudwego/eino/schema"
)

// CompileText builds a graph that renders the system prompt, invokes the
// chat model and returns the raw assistant message.
func CompileText(ctx context.Context, chatModel model.BaseChatModel, systemPrompt, graphName string) (compose.Runnable[map[string]any, *schema.Message], error) {
	g := compose.NewGraph[map[string]any, *schema.Message]()

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	if err := g.AddChatTemplateNode("template", tpl); err != nil {
		return nil, fmt.Errorf("add template node: %w", err)
	}
	if err := g.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add model node: %w", err)
	}

	edges := [][2]string{
		{compose.START, "template"},
		{"template", "model"},
		{"model", compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e[0], e[1], err)
		}
	}

	return g.Compile(ctx, compose.WithGraphName(graphName))
}

// CompileStructured builds a graph that additionally parses the assistant
// message content into T via JSON.
func CompileStructured[T any](ctx context.Context, chatModel model.BaseChatModel, systemPrompt, graphName string) (compose.Runnable[map[string]any, T], error) {
	g := compose.NewGraph[map[string]any, T]()

	tpl := einoprompt.FromMessages(
		schema.FString,
		schema.SystemMessage(systemPrompt),
		schema.UserMessage("{input}"),
	)

	if err := g.AddChatTemplateNode("template", tpl); err != nil {
		return nil, fmt.Errorf("add template node: %w", err)
	}
	if err := g.AddChatModelNode("model", chatModel); err != nil {
		return nil, fmt.Errorf("add model node: %w", err)
	}

	parser := schema.NewMessageJSONParser[T](&schema.MessageJSONParseConfig{
		ParseFrom: schema.MessageParseFromContent,
	})
	if err := g.AddLambdaNode("parser", compose.MessageParser(parser)); err != nil {
		return nil, fmt.Errorf("add parser node: %w", err)
	}

	edges := [][2]string{
		{compose.START, "template"},
		{"template", "model"},
		{"model", "parser"},
		{"parser", compose.END},
	}
	for _, e := range edges {
		if err := g.AddEdge(e[0], e[1]); err != nil {
			return nil, fmt.Errorf("add edge %s->%s: %w", e[0], e[1], err)
		}
	}

	return g.Compile(ctx, compose.WithGraphName(graphName))
}

// Input wraps an arbitrary payload as the single template variable.
func Input(payload any) (map[string]any, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal graph input: %w", err)
	}
	return map[string]any{"input": string(b)}, nil
}
