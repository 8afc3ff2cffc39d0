package antigravity

import (
	"github.com/codelayer/agproxy/internal/jsonpath"

	"strings"
)

// argumentRewrite adjusts the argument object of one tool call in place.
// The rules encode observed upstream misbehavior (wrong parameter names in
// generated calls); keeping them in a table lets new rules land without
// touching the stream machines.
type argumentRewrite func(args map[string]any)

var argumentRewrites = map[string]argumentRewrite{
	"grep":                    rewriteSearchArgs,
	"search":                  rewriteSearchArgs,
	"search_code_definitions": rewriteSearchArgs,
	"search_code_snippets":    rewriteSearchArgs,
	"glob":                    rewriteSearchArgs,
	"read": func(args map[string]any) {
		if _, ok := args["file_path"]; !ok {
			if path, ok := args["path"]; ok {
				args["file_path"] = path
				delete(args, "path")
			}
		}
	},
	"ls": func(args map[string]any) {
		if _, ok := args["path"]; !ok {
			args["path"] = "."
		}
	},
	"enterplanmode": func(args map[string]any) {
		for key := range args {
			delete(args, key)
		}
	},
}

// RemapToolArguments normalizes the argument object of an upstream function
// call before it is surfaced to the client. The tool name is matched
// case-insensitively.
func RemapToolArguments(name string, args map[string]any) map[string]any {
	if args == nil {
		args = map[string]any{}
	}
	if rewrite, ok := argumentRewrites[strings.ToLower(name)]; ok {
		rewrite(args)
	} else {
		coercePaths(args)
	}
	return args
}

func rewriteSearchArgs(args map[string]any) {
	if _, ok := args["pattern"]; !ok {
		if desc, ok := args["description"]; ok {
			args["pattern"] = desc
			delete(args, "description")
		} else if query, ok := args["query"]; ok {
			args["pattern"] = query
			delete(args, "query")
		}
	}
	coercePaths(args)
}

// coercePaths collapses a "paths" array (or string) onto a single "path"
// string, defaulting to ".".
func coercePaths(args map[string]any) {
	raw, ok := args["paths"]
	if !ok {
		return
	}
	delete(args, "paths")
	if _, ok = args["path"]; ok {
		return
	}
	switch typed := raw.(type) {
	case string:
		if typed == "" {
			typed = "."
		}
		args["path"] = typed
	case []any:
		if len(typed) > 0 {
			if first, ok := typed[0].(string); ok && first != "" {
				args["path"] = first
				return
			}
		}
		args["path"] = "."
	default:
		args["path"] = "."
	}
}

// RemapToolArgumentsJSON is RemapToolArguments over a raw JSON argument
// object; malformed input is returned unchanged.
func RemapToolArgumentsJSON(name string, rawArgs []byte) []byte {
	root, err := jsonpath.Parse(rawArgs)
	if err != nil {
		return rawArgs
	}
	args, ok := root.(map[string]any)
	if !ok {
		return rawArgs
	}
	out, err := jsonpath.Stringify(RemapToolArguments(name, args))
	if err != nil {
		return rawArgs
	}
	return out
}
