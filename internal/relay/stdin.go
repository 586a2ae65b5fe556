// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package relay

import "encoding/json"

// buildUserMessageLine builds the `--input-format stream-json` JSONL line
// the agent CLI expects for a user turn.
func buildUserMessageLine(content string) ([]byte, error) {
	msg := map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": content,
		},
	}
	return json.Marshal(msg)
}

// buildPermissionResponseLine builds a control_response line granting or
// denying a pending tool-permission request.
func buildPermissionResponseLine(requestID string, granted bool, originalInput json.RawMessage) ([]byte, error) {
	var response map[string]any
	if granted {
		var input any
		if len(originalInput) > 0 {
			if err := json.Unmarshal(originalInput, &input); err != nil {
				return nil, err
			}
		}
		response = map[string]any{
			"behavior":    "allow",
			"updatedInput": input,
		}
	} else {
		response = map[string]any{
			"behavior":  "deny",
			"message":   "User denied permission",
			"interrupt": true,
		}
	}

	msg := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response":   response,
		},
	}
	return json.Marshal(msg)
}

// buildQuestionResponseLine builds a control_response line answering a
// pending AskUserQuestion, merging answers into the original tool input
// under the "answers" key.
func buildQuestionResponseLine(requestID string, answers map[string]string, originalInput json.RawMessage) ([]byte, error) {
	updated := map[string]any{}
	if len(originalInput) > 0 {
		if err := json.Unmarshal(originalInput, &updated); err != nil {
			return nil, err
		}
	}
	updated["answers"] = answers

	msg := map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": requestID,
			"response": map[string]any{
				"behavior":     "allow",
				"updatedInput": updated,
			},
		},
	}
	return json.Marshal(msg)
}
