// Package parser converts a lexed token sequence into a Pipeline of
// Commands with redirections and background flags. Operators are
// recognized here by exact string comparison on whole tokens; the lexer
// never splits them out of adjacent words.
package parser

import (
	"errors"
	"fmt"
)

// Redirection holds at most one input and one output target for a Command.
type Redirection struct {
	InputPath  string
	HasInput   bool
	OutputPath string
	HasOutput  bool
	Append     bool
}

// Command is an ordered argument vector plus its redirections and
// per-command background flag. The flag mirrors the pipeline-wide one
// for a single-command pipeline; for multi-command pipelines the flag on
// Pipeline is authoritative.
type Command struct {
	Args        []string
	Redirection Redirection
	Background  bool
}

// Pipeline is a non-empty, ordered sequence of Commands connected
// stdin->stdout by N-1 anonymous pipes.
type Pipeline struct {
	Commands   []*Command
	Background bool
}

// SyntaxError reports a misplaced or duplicated operator token.
type SyntaxError struct {
	Msg string
}

func (e *SyntaxError) Error() string { return "syntax error: " + e.Msg }

func newSyntaxError(format string, args ...interface{}) error {
	return &SyntaxError{Msg: fmt.Sprintf(format, args...)}
}

// ErrEmptyCommand is returned by Parse for an empty token sequence. A
// pipeline segment with no arguments left once redirections are removed
// is a *SyntaxError instead.
var ErrEmptyCommand = errors.New("empty command")

const (
	tokPipe       = "|"
	tokInput      = "<"
	tokOutput     = ">"
	tokAppend     = ">>"
	tokBackground = "&"
)

// Parse converts a token sequence (as produced by lexer.Tokenize) into a
// Pipeline.
func Parse(tokens []string) (*Pipeline, error) {
	if len(tokens) == 0 {
		return nil, ErrEmptyCommand
	}

	pipeline := &Pipeline{}

	if tokens[len(tokens)-1] == tokBackground {
		pipeline.Background = true
		tokens = tokens[:len(tokens)-1]
	}

	segments, err := splitOnPipe(tokens)
	if err != nil {
		return nil, err
	}

	for _, seg := range segments {
		cmd, err := parseSegment(seg)
		if err != nil {
			return nil, err
		}
		pipeline.Commands = append(pipeline.Commands, cmd)
	}

	if pipeline.Background && len(pipeline.Commands) == 1 {
		pipeline.Commands[0].Background = true
	}

	return pipeline, nil
}

func splitOnPipe(tokens []string) ([][]string, error) {
	var segments [][]string
	start := 0

	for i, tok := range tokens {
		if tok != tokPipe {
			continue
		}
		if i == start {
			return nil, newSyntaxError("unexpected token %s", tokPipe)
		}
		segments = append(segments, tokens[start:i])
		start = i + 1
	}

	if start == len(tokens) {
		return nil, newSyntaxError("unexpected token %s", tokPipe)
	}
	segments = append(segments, tokens[start:])

	return segments, nil
}

func parseSegment(tokens []string) (*Command, error) {
	cmd := &Command{}

	i := 0
	for i < len(tokens) {
		tok := tokens[i]

		switch tok {
		case tokInput:
			if cmd.Redirection.HasInput {
				return nil, newSyntaxError("multiple input redirections")
			}
			path, err := expectOperand(tokens, i, tok)
			if err != nil {
				return nil, err
			}
			cmd.Redirection.HasInput = true
			cmd.Redirection.InputPath = path
			i += 2

		case tokOutput, tokAppend:
			if cmd.Redirection.HasOutput {
				return nil, newSyntaxError("multiple output redirections")
			}
			path, err := expectOperand(tokens, i, tok)
			if err != nil {
				return nil, err
			}
			cmd.Redirection.HasOutput = true
			cmd.Redirection.OutputPath = path
			cmd.Redirection.Append = tok == tokAppend
			i += 2

		case tokBackground:
			// The pipeline-final & was already stripped by Parse; any &
			// still present here is misplaced.
			return nil, newSyntaxError("& must be at end")

		default:
			cmd.Args = append(cmd.Args, tok)
			i++
		}
	}

	if len(cmd.Args) == 0 {
		return nil, newSyntaxError("missing command")
	}

	return cmd, nil
}

func expectOperand(tokens []string, i int, op string) (string, error) {
	if i+1 >= len(tokens) {
		return "", newSyntaxError("missing target for redirection %s", op)
	}
	return tokens[i+1], nil
}
