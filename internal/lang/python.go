package lang

import (
	"strings"

	sitter "github.com/smacker/go-tree-sitter"
	"github.com/smacker/go-tree-sitter/python"

	"github.com/phobologic/tryton-analyzer/internal/model"
)

// Python node types the analyzer relies on.
const (
	NodeModule            = "module"
	NodeClass             = "class_definition"
	NodeFunction          = "function_definition"
	NodeDecorated         = "decorated_definition"
	NodeDecorator         = "decorator"
	NodeBlock             = "block"
	NodeExpressionStmt    = "expression_statement"
	NodeAssignment        = "assignment"
	NodeAugAssignment     = "augmented_assignment"
	NodeAttribute         = "attribute"
	NodeCall              = "call"
	NodeArgumentList      = "argument_list"
	NodeKeywordArgument   = "keyword_argument"
	NodeSubscript         = "subscript"
	NodeSlice             = "slice"
	NodeIdentifier        = "identifier"
	NodeString            = "string"
	NodeConcatString      = "concatenated_string"
	NodeList              = "list"
	NodeTuple             = "tuple"
	NodePatternList       = "pattern_list"
	NodeTuplePattern      = "tuple_pattern"
	NodeListPattern       = "list_pattern"
	NodeFor               = "for_statement"
	NodeForInClause       = "for_in_clause"
	NodeListComp          = "list_comprehension"
	NodeSetComp           = "set_comprehension"
	NodeDictComp          = "dictionary_comprehension"
	NodeGenerator         = "generator_expression"
	NodeLambda            = "lambda"
	NodeComment           = "comment"
	NodeParameters        = "parameters"
	NodeTypedParameter    = "typed_parameter"
	NodeDefaultParameter  = "default_parameter"
	NodeTypedDefaultParam = "typed_default_parameter"
	NodeType              = "type"
	NodeError             = "ERROR"
)

func init() {
	Languages["python"] = &Language{
		Name:       "python",
		Extensions: []string{".py"},
		lang:       python.GetLanguage(),
	}
}

// Python returns the registered Python language.
func Python() *Language {
	return Languages["python"]
}

// Children returns the direct children of a node.
func Children(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	n := int(node.ChildCount())
	out := make([]*sitter.Node, 0, n)
	for i := 0; i < n; i++ {
		if c := node.Child(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// NamedChildren returns the named children of a node.
func NamedChildren(node *sitter.Node) []*sitter.Node {
	if node == nil {
		return nil
	}
	n := int(node.NamedChildCount())
	out := make([]*sitter.Node, 0, n)
	for i := 0; i < n; i++ {
		if c := node.NamedChild(i); c != nil {
			out = append(out, c)
		}
	}
	return out
}

// FirstChildOfType returns the first direct child with the given type.
func FirstChildOfType(node *sitter.Node, typ string) *sitter.Node {
	for _, c := range Children(node) {
		if c.Type() == typ {
			return c
		}
	}
	return nil
}

// Unwrap returns the definition inside a decorated_definition, or node itself.
func Unwrap(node *sitter.Node) *sitter.Node {
	if node != nil && node.Type() == NodeDecorated {
		if def := node.ChildByFieldName("definition"); def != nil {
			return def
		}
	}
	return node
}

// Decorators returns the decorator expressions of a definition, outermost
// first. The node may be the definition itself or its decorated wrapper.
func Decorators(def *sitter.Node) []*sitter.Node {
	wrapper := def
	if wrapper.Type() != NodeDecorated {
		wrapper = def.Parent()
		if wrapper == nil || wrapper.Type() != NodeDecorated {
			return nil
		}
	}
	var out []*sitter.Node
	for _, c := range Children(wrapper) {
		if c.Type() != NodeDecorator {
			continue
		}
		for _, e := range NamedChildren(c) {
			if e.Type() != NodeComment {
				out = append(out, e)
				break
			}
		}
	}
	return out
}

// DefName returns the name of a class or function definition.
func DefName(node *sitter.Node, source []byte) string {
	node = Unwrap(node)
	if node == nil {
		return ""
	}
	if name := node.ChildByFieldName("name"); name != nil {
		return NodeText(name, source)
	}
	return ""
}

// FindEnclosingClass returns the class_definition whose body directly holds
// the function, following the decorated wrapper when present.
func FindEnclosingClass(funcNode *sitter.Node) *sitter.Node {
	parent := funcNode.Parent()
	if parent == nil {
		return nil
	}

	// Direct: func -> block -> class_definition
	if parent.Type() == NodeBlock && parent.Parent() != nil && parent.Parent().Type() == NodeClass {
		return parent.Parent()
	}

	// Decorated: func -> decorated_definition -> block -> class_definition
	if parent.Type() == NodeDecorated {
		gp := parent.Parent()
		if gp != nil && gp.Type() == NodeBlock && gp.Parent() != nil && gp.Parent().Type() == NodeClass {
			return gp.Parent()
		}
	}

	return nil
}

// FindEnclosingFunction returns the innermost function definition containing
// node, or nil at module or class level.
func FindEnclosingFunction(node *sitter.Node) *sitter.Node {
	for cur := node.Parent(); cur != nil; cur = cur.Parent() {
		switch cur.Type() {
		case NodeFunction:
			return cur
		case NodeClass:
			return nil
		}
	}
	return nil
}

// ClassBody returns the statements of a class body, unwrapping nothing.
func ClassBody(class *sitter.Node) []*sitter.Node {
	body := class.ChildByFieldName("body")
	if body == nil {
		return nil
	}
	return NamedChildren(body)
}

// StringLiteral decodes a plain Python string literal. Prefixed strings other
// than r/u, f-strings and byte strings are rejected.
func StringLiteral(node *sitter.Node, source []byte) (string, bool) {
	if node == nil || node.Type() != NodeString {
		return "", false
	}
	text := NodeText(node, source)
	i := 0
	for i < len(text) && strings.ContainsRune("rRuU", rune(text[i])) {
		i++
	}
	if i < len(text) && strings.ContainsRune("fFbB", rune(text[i])) {
		return "", false
	}
	text = text[i:]
	for _, q := range []string{`"""`, `'''`, `"`, `'`} {
		if len(text) >= 2*len(q) && strings.HasPrefix(text, q) && strings.HasSuffix(text, q) {
			return text[len(q) : len(text)-len(q)], true
		}
	}
	return "", false
}

// CallName returns the dotted text of a call's function, e.g. "fields.Char".
func CallName(call *sitter.Node, source []byte) string {
	if call == nil || call.Type() != NodeCall {
		return ""
	}
	return DottedName(call.ChildByFieldName("function"), source)
}

// DottedName returns "a.b.c" for identifier/attribute chains and "" for any
// other expression.
func DottedName(node *sitter.Node, source []byte) string {
	if node == nil {
		return ""
	}
	switch node.Type() {
	case NodeIdentifier:
		return NodeText(node, source)
	case NodeAttribute:
		obj := DottedName(node.ChildByFieldName("object"), source)
		if obj == "" {
			return ""
		}
		return obj + "." + NodeText(node.ChildByFieldName("attribute"), source)
	}
	return ""
}

// CallArgs splits a call's argument list into positional arguments and
// keyword arguments.
func CallArgs(call *sitter.Node, source []byte) (positional []*sitter.Node, keywords map[string]*sitter.Node) {
	keywords = make(map[string]*sitter.Node)
	args := call.ChildByFieldName("arguments")
	if args == nil || args.Type() != NodeArgumentList {
		return nil, keywords
	}
	for _, a := range NamedChildren(args) {
		switch a.Type() {
		case NodeComment:
		case NodeKeywordArgument:
			name := NodeText(a.ChildByFieldName("name"), source)
			keywords[name] = a.ChildByFieldName("value")
		default:
			positional = append(positional, a)
		}
	}
	return positional, keywords
}

// Docstring returns the first string statement of a function or class body.
func Docstring(def *sitter.Node, source []byte) string {
	body := Unwrap(def).ChildByFieldName("body")
	if body == nil || body.NamedChildCount() == 0 {
		return ""
	}
	first := body.NamedChild(0)
	if first.Type() != NodeExpressionStmt || first.NamedChildCount() == 0 {
		return ""
	}
	s, ok := StringLiteral(first.NamedChild(0), source)
	if !ok {
		return ""
	}
	return strings.TrimSpace(s)
}

// HasComment reports whether any comment inside node contains needle.
func HasComment(node *sitter.Node, source []byte, needle string) bool {
	if node == nil {
		return false
	}
	if node.Type() == NodeComment {
		return strings.Contains(NodeText(node, source), needle)
	}
	for _, c := range Children(node) {
		if HasComment(c, source, needle) {
			return true
		}
	}
	return false
}

// FirstDescendant returns the first node of type typ under node in
// pre-order, node included.
func FirstDescendant(node *sitter.Node, typ string) *sitter.Node {
	if node == nil {
		return nil
	}
	if node.Type() == typ {
		return node
	}
	for _, c := range Children(node) {
		if found := FirstDescendant(c, typ); found != nil {
			return found
		}
	}
	return nil
}

// RecordAnnotation decodes a Record, Records, Record["model"] or
// Records["model"] annotation. An empty model name means the enclosing model.
func RecordAnnotation(typeNode *sitter.Node, source []byte) (model.Cardinality, string, bool) {
	if typeNode == nil {
		return 0, "", false
	}
	expr := typeNode
	if expr.Type() == NodeType && expr.NamedChildCount() > 0 {
		expr = expr.NamedChild(0)
	}
	var head *sitter.Node
	switch expr.Type() {
	case NodeIdentifier:
		head = expr
	case NodeSubscript:
		head = expr.ChildByFieldName("value")
	case "generic_type":
		head = FirstChildOfType(expr, NodeIdentifier)
	}
	if head == nil || head.Type() != NodeIdentifier {
		return 0, "", false
	}
	var card model.Cardinality
	switch NodeText(head, source) {
	case "Record":
		card = model.Single
	case "Records":
		card = model.Many
	default:
		return 0, "", false
	}
	if expr == head {
		return card, "", true
	}
	name, ok := StringLiteral(FirstDescendant(expr, NodeString), source)
	if !ok || name == "" {
		return 0, "", false
	}
	return card, name, true
}

// Param is one declared parameter of a function. Separators (bare "*" and
// "/") are not parameters.
type Param struct {
	Name    string
	Node    *sitter.Node
	Type    *sitter.Node
	Default *sitter.Node
	Splat   bool
}

// Parameters returns the declared parameters of a function definition in
// order.
func Parameters(def *sitter.Node, source []byte) []Param {
	def = Unwrap(def)
	if def == nil {
		return nil
	}
	params := def.ChildByFieldName("parameters")
	var out []Param
	for _, p := range NamedChildren(params) {
		switch p.Type() {
		case NodeIdentifier:
			out = append(out, Param{Name: NodeText(p, source), Node: p})
		case NodeTypedParameter:
			name := p.NamedChild(0)
			param := Param{Type: p.ChildByFieldName("type"), Node: name}
			if name != nil && name.Type() != NodeIdentifier {
				param.Splat = true
				name = FirstDescendant(name, NodeIdentifier)
			}
			param.Name = NodeText(name, source)
			out = append(out, param)
		case NodeDefaultParameter, NodeTypedDefaultParam:
			name := p.ChildByFieldName("name")
			out = append(out, Param{
				Name:    NodeText(name, source),
				Node:    name,
				Type:    p.ChildByFieldName("type"),
				Default: p.ChildByFieldName("value"),
			})
		case "list_splat_pattern", "dictionary_splat_pattern":
			name := FirstDescendant(p, NodeIdentifier)
			out = append(out, Param{Name: NodeText(name, source), Node: name, Splat: true})
		}
	}
	return out
}

// IsClassmethod reports whether a function carries @classmethod.
func IsClassmethod(def *sitter.Node, source []byte) bool {
	for _, d := range Decorators(def) {
		if NodeText(d, source) == "classmethod" {
			return true
		}
	}
	return false
}
