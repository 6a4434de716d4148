package agent

import (
	"encoding/json"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/worktalk/worktalk/internal/session"
	"github.com/worktalk/worktalk/internal/tools"
)

// historyToParams converts a session's conversation into Anthropic message
// params. Turns whose blocks all convert away are skipped.
func historyToParams(turns []session.Turn) []anthropic.MessageParam {
	msgs := make([]anthropic.MessageParam, 0, len(turns))
	for _, turn := range turns {
		blocks := blocksToParams(turn.Blocks)
		if len(blocks) == 0 {
			continue
		}
		if turn.Role == session.RoleAssistant {
			msgs = append(msgs, anthropic.NewAssistantMessage(blocks...))
		} else {
			msgs = append(msgs, anthropic.NewUserMessage(blocks...))
		}
	}
	return msgs
}

func blocksToParams(blocks []session.Block) []anthropic.ContentBlockParamUnion {
	out := make([]anthropic.ContentBlockParamUnion, 0, len(blocks))
	for _, b := range blocks {
		switch b.Type {
		case session.BlockText:
			out = append(out, anthropic.NewTextBlock(b.Text))
		case session.BlockImage:
			out = append(out, anthropic.NewImageBlockBase64(b.MediaType, b.Data))
		case session.BlockToolUse:
			out = append(out, anthropic.NewToolUseBlock(b.ID, b.Input, b.Name))
		case session.BlockToolResult:
			out = append(out, toolResultParam(b))
		}
	}
	return out
}

// toolResultParam builds the tool_result content block for one executed
// call, assembled by hand so the is_error flag is carried.
func toolResultParam(b session.Block) anthropic.ContentBlockParamUnion {
	block := anthropic.ToolResultBlockParam{
		ToolUseID: b.ToolUseID,
		IsError:   anthropic.Bool(b.IsError),
		Content: []anthropic.ToolResultBlockParamContentUnion{
			{OfText: &anthropic.TextBlockParam{Text: b.Content}},
		},
	}
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

// toolParams exposes the executor's catalog as Anthropic tool definitions.
func toolParams() []anthropic.ToolUnionParam {
	defs := tools.Catalog()
	params := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := anthropic.ToolInputSchemaParam{
			Type:       constant.Object("object"),
			Properties: def.Properties,
			Required:   def.Required,
		}
		tool := anthropic.ToolUnionParamOfTool(schema, def.Name)
		tool.OfTool.Description = anthropic.String(def.Description)
		params = append(params, tool)
	}
	return params
}

// toolInputToRaw normalises the tool input payload carried by a
// content_block_start event, which may arrive as raw JSON or as a decoded
// value.
func toolInputToRaw(input any) json.RawMessage {
	switch v := input.(type) {
	case json.RawMessage:
		return v
	case []byte:
		return json.RawMessage(v)
	case string:
		return json.RawMessage(v)
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		return json.RawMessage(data)
	}
}
