package codeops

import (
	"context"
	"fmt"
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"
)

// PyEntity is a top-level function or class extracted from a Python file.
type PyEntity struct {
	Kind      string // "function" or "class"
	Name      string
	StartLine int // 1-based, inclusive
	EndLine   int // 1-based, inclusive
	Source    string
}

// PyCall is a call site inside a function body.
type PyCall struct {
	Caller string // enclosing function, "Class.method" for methods
	Callee string
	Line   int
}

// PyImport is one import statement.
type PyImport struct {
	Module     string
	Names      []string
	IsRelative bool
	Line       int
}

// PyOccurrence is one appearance of a symbol.
type PyOccurrence struct {
	Line         int // 1-based
	Column       int // 0-based
	IsDefinition bool
}

func newPyParser() *sitter.Parser {
	p := sitter.NewParser()
	p.SetLanguage(python.GetLanguage())
	return p
}

func parsePython(content []byte) (*sitter.Tree, error) {
	tree, err := newPyParser().ParseCtx(context.Background(), nil, content)
	if err != nil {
		return nil, fmt.Errorf("python parse failed: %w", err)
	}
	return tree, nil
}

// ParsePythonEntities extracts top-level functions and classes.
func ParsePythonEntities(content []byte) ([]PyEntity, error) {
	tree, err := parsePython(content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var entities []PyEntity
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		nodeType := child.Type()

		// Unwrap decorators so the span includes them
		target := child
		if nodeType == "decorated_definition" {
			for j := 0; j < int(child.NamedChildCount()); j++ {
				inner := child.NamedChild(j)
				if t := inner.Type(); t == "function_definition" || t == "class_definition" {
					target = inner
					nodeType = t
					break
				}
			}
		}

		var kind string
		switch nodeType {
		case "function_definition":
			kind = "function"
		case "class_definition":
			kind = "class"
		default:
			continue
		}

		nameNode := target.ChildByFieldName("name")
		if nameNode == nil {
			continue
		}

		entities = append(entities, PyEntity{
			Kind:      kind,
			Name:      string(content[nameNode.StartByte():nameNode.EndByte()]),
			StartLine: int(child.StartPoint().Row) + 1,
			EndLine:   int(child.EndPoint().Row) + 1,
			Source:    string(content[child.StartByte():child.EndByte()]),
		})
	}
	return entities, nil
}

// ParsePythonCalls extracts call sites, attributed to their enclosing
// function ("Class.method" for methods).
func ParsePythonCalls(content []byte) ([]PyCall, error) {
	tree, err := parsePython(content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var calls []PyCall
	var walk func(node *sitter.Node, enclosing string)
	walk = func(node *sitter.Node, enclosing string) {
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			scope := enclosing

			switch child.Type() {
			case "function_definition":
				if nameNode := child.ChildByFieldName("name"); nameNode != nil {
					name := string(content[nameNode.StartByte():nameNode.EndByte()])
					if enclosing != "" {
						scope = enclosing + "." + name
					} else {
						scope = name
					}
				}
			case "class_definition":
				if nameNode := child.ChildByFieldName("name"); nameNode != nil {
					scope = string(content[nameNode.StartByte():nameNode.EndByte()])
				}
			case "call":
				if enclosing != "" {
					callee := calleeName(child, content)
					if callee != "" {
						calls = append(calls, PyCall{
							Caller: enclosing,
							Callee: callee,
							Line:   int(child.StartPoint().Row) + 1,
						})
					}
				}
			}

			walk(child, scope)
		}
	}
	walk(tree.RootNode(), "")
	return calls, nil
}

// calleeName extracts the called name from a call node. Attribute calls
// keep only the rightmost segment ("obj.method" -> "method").
func calleeName(call *sitter.Node, content []byte) string {
	fn := call.ChildByFieldName("function")
	if fn == nil {
		return ""
	}
	switch fn.Type() {
	case "identifier":
		return string(content[fn.StartByte():fn.EndByte()])
	case "attribute":
		if attr := fn.ChildByFieldName("attribute"); attr != nil {
			return string(content[attr.StartByte():attr.EndByte()])
		}
	}
	return ""
}

// ParsePythonImports extracts import statements.
func ParsePythonImports(content []byte) ([]PyImport, error) {
	tree, err := parsePython(content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var imports []PyImport
	root := tree.RootNode()
	for i := 0; i < int(root.NamedChildCount()); i++ {
		child := root.NamedChild(i)
		line := int(child.StartPoint().Row) + 1

		switch child.Type() {
		case "import_statement":
			// import a.b, c
			for j := 0; j < int(child.NamedChildCount()); j++ {
				nameNode := child.NamedChild(j)
				text := string(content[nameNode.StartByte():nameNode.EndByte()])
				if nameNode.Type() == "aliased_import" {
					if orig := nameNode.ChildByFieldName("name"); orig != nil {
						text = string(content[orig.StartByte():orig.EndByte()])
					}
				}
				imports = append(imports, PyImport{Module: text, Line: line})
			}
		case "import_from_statement":
			// from .mod import x, y
			module := ""
			if mod := child.ChildByFieldName("module_name"); mod != nil {
				module = string(content[mod.StartByte():mod.EndByte()])
			}
			imp := PyImport{
				Module:     module,
				IsRelative: strings.HasPrefix(module, "."),
				Line:       line,
			}
			for j := 0; j < int(child.NamedChildCount()); j++ {
				nameNode := child.NamedChild(j)
				if nameNode.Type() != "dotted_name" && nameNode.Type() != "aliased_import" {
					continue
				}
				text := string(content[nameNode.StartByte():nameNode.EndByte()])
				if text == module {
					continue
				}
				if nameNode.Type() == "aliased_import" {
					if orig := nameNode.ChildByFieldName("name"); orig != nil {
						text = string(content[orig.StartByte():orig.EndByte()])
					}
				}
				imp.Names = append(imp.Names, text)
			}
			imports = append(imports, imp)
		}
	}
	return imports, nil
}

// FindPythonOccurrences finds each appearance of symbol as a whole
// identifier and classifies it as a definition or a reference. A symbol
// appearing only as a substring of another identifier never matches.
func FindPythonOccurrences(content []byte, symbol string) ([]PyOccurrence, error) {
	tree, err := parsePython(content)
	if err != nil {
		return nil, err
	}
	defer tree.Close()

	var occurrences []PyOccurrence
	var walk func(node *sitter.Node)
	walk = func(node *sitter.Node) {
		for i := 0; i < int(node.NamedChildCount()); i++ {
			child := node.NamedChild(i)
			if child.Type() == "identifier" &&
				string(content[child.StartByte():child.EndByte()]) == symbol {
				occurrences = append(occurrences, PyOccurrence{
					Line:         int(child.StartPoint().Row) + 1,
					Column:       int(child.StartPoint().Column),
					IsDefinition: isDefinitionSite(child),
				})
			}
			walk(child)
		}
	}
	walk(tree.RootNode())
	return occurrences, nil
}

// isDefinitionSite reports whether an identifier node is a binding
// occurrence: the name of a def/class, a parameter, or the left side of
// an assignment.
func isDefinitionSite(node *sitter.Node) bool {
	parent := node.Parent()
	if parent == nil {
		return false
	}
	switch parent.Type() {
	case "function_definition", "class_definition":
		name := parent.ChildByFieldName("name")
		return name != nil && name.StartByte() == node.StartByte()
	case "parameters", "default_parameter", "typed_parameter":
		return true
	case "assignment":
		left := parent.ChildByFieldName("left")
		return left != nil && left.StartByte() <= node.StartByte() && node.EndByte() <= left.EndByte()
	}
	return false
}
