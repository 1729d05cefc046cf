package tools

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/m4xw311/conductor/errors"
)

// ExecuteCommandTool implements the tool for running OS commands.
type ExecuteCommandTool struct {
	allowedCommands []string
}

func (t *ExecuteCommandTool) Name() string { return "execute_command" }
func (t *ExecuteCommandTool) Description() string {
	if len(t.allowedCommands) == 0 {
		return "Executes a command. No commands are currently allowed."
	}
	var b strings.Builder
	b.WriteString("Executes a command without a shell. Allowed command patterns:\n")
	for _, cmd := range t.allowedCommands {
		fmt.Fprintf(&b, "- %s\n", cmd)
	}
	return b.String()
}

func (t *ExecuteCommandTool) Schema() map[string]interface{} {
	return stringArgs([]string{"command"}, map[string]string{
		"command": "the command line to run",
	})
}

func (t *ExecuteCommandTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	command, ok := args["command"].(string)
	if !ok {
		return "", errors.New("missing or invalid 'command' argument")
	}
	if !isCommandAllowed(command, t.allowedCommands) {
		return "", errors.New("command '%s' is not in the list of allowed commands", command)
	}

	parts := strings.Fields(command)
	output, err := exec.CommandContext(ctx, parts[0], parts[1:]...).CombinedOutput()
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Cancelled(ctx.Err())
		}
		return "", errors.Wrapf(err, "command execution failed. Output:\n%s", string(output))
	}
	return fmt.Sprintf("Command executed successfully. Output:\n%s", string(output)), nil
}
