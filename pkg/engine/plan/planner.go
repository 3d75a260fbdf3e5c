package plan

import (
	"fmt"
	"strings"

	"github.com/vektah/gqlparser/v2/ast"

	"github.com/wundergraph/fusion-gateway/pkg/composition"
)

const (
	// KeyAliasPrefix prefixes the hidden fields a step selects only to feed join keys.
	KeyAliasPrefix = "_key_"
	// KeyVariablePrefix prefixes the variables carrying join keys to a subgraph.
	KeyVariablePrefix = "_key"
)

type Configuration struct {
	// MaxFieldsPerCall caps the root fields sent to one batching subgraph in a
	// single call. Subgraphs may override it; zero means unlimited.
	MaxFieldsPerCall int
}

// Planner turns validated operations into execution plans. It is safe for
// concurrent use; all per-request state lives in the returned Plan.
type Planner struct {
	schema *composition.MergedSchema
	config Configuration
}

func NewPlanner(schema *composition.MergedSchema, config Configuration) *Planner {
	return &Planner{schema: schema, config: config}
}

// Plan builds the plan for the named operation of doc. The document must have
// been validated against the merged schema and variables must be coerced.
func (p *Planner) Plan(doc *ast.QueryDocument, operationName string, variables map[string]interface{}) (*Plan, error) {
	op, err := SelectOperation(doc, operationName)
	if err != nil {
		return nil, err
	}

	var root *ast.Definition
	switch op.Operation {
	case ast.Query, "":
		root = p.schema.Schema.Query
	case ast.Mutation:
		root = p.schema.Schema.Mutation
	default:
		return nil, planningErrorf(nil, "%s operations are not supported", op.Operation)
	}
	if root == nil {
		return nil, planningErrorf(nil, "schema has no %s type", op.Operation)
	}
	for _, definition := range op.VariableDefinitions {
		if strings.HasPrefix(definition.Variable, KeyVariablePrefix) {
			return nil, planningErrorf(nil, "variable $%s: names starting with %s are reserved", definition.Variable, KeyVariablePrefix)
		}
	}

	s := &planner{
		schema:      p.schema,
		config:      p.config,
		doc:         doc,
		op:          op,
		variables:   variables,
		hiddenJoins: map[string]*Step{},
		plan: &Plan{
			OperationType: op.Operation,
			OperationName: op.Name,
			RootType:      root.Name,
			Variables:     variables,
			Schema:        p.schema,
		},
	}
	if s.plan.OperationType == "" {
		s.plan.OperationType = ast.Query
	}

	nodes, err := s.normalize([]ast.SelectionSet{op.SelectionSet}, root, nil)
	if err != nil {
		return nil, err
	}
	s.plan.Nodes = nodes
	if err := s.planRoot(root); err != nil {
		return nil, err
	}
	return s.plan, nil
}

// SelectOperation picks the operation to execute. Without a name the document
// must contain exactly one operation.
func SelectOperation(doc *ast.QueryDocument, operationName string) (*ast.OperationDefinition, error) {
	if operationName == "" {
		if len(doc.Operations) != 1 {
			return nil, planningErrorf(nil, "operation name is required when the document contains %d operations", len(doc.Operations))
		}
		return doc.Operations[0], nil
	}
	for _, op := range doc.Operations {
		if op.Name == operationName {
			return op, nil
		}
	}
	return nil, planningErrorf(nil, "operation %q not found", operationName)
}

type planner struct {
	schema    *composition.MergedSchema
	config    Configuration
	doc       *ast.QueryDocument
	op        *ast.OperationDefinition
	variables map[string]interface{}
	plan      *Plan
	// hiddenJoins dedupes join steps that only produce keys for other joins.
	hiddenJoins map[string]*Step
}

// scope is the position inside a step's selection the planner writes to.
type scope struct {
	step *Step
	// path holds the source keys leading from the step's start object to the
	// current object.
	path      []string
	selection *ast.SelectionSet
	response  ast.Path
}

type pendingNode struct {
	node *Node
	sets []ast.SelectionSet
}

func (s *planner) normalize(sets []ast.SelectionSet, parent *ast.Definition, response ast.Path) ([]*Node, error) {
	var order []*pendingNode
	byKey := map[string]*pendingNode{}

	var walk func(set ast.SelectionSet, condition string) error
	walk = func(set ast.SelectionSet, condition string) error {
		for _, selection := range set {
			switch sel := selection.(type) {
			case *ast.Field:
				include, err := s.included(sel.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				if strings.HasPrefix(sel.Alias, KeyAliasPrefix) {
					return planningErrorf(appendPath(response, sel.Alias), "alias %s: names starting with %s are reserved", sel.Alias, KeyAliasPrefix)
				}
				responseKey := sel.Alias
				if responseKey == "" {
					responseKey = sel.Name
				}
				key := condition + "|" + responseKey
				if existing, ok := byKey[key]; ok {
					existing.sets = append(existing.sets, sel.SelectionSet)
					continue
				}
				definition := sel.Definition
				if definition == nil {
					if sel.Name != "__typename" {
						return planningErrorf(appendPath(response, responseKey), "unknown field %s.%s", parent.Name, sel.Name)
					}
					definition = &ast.FieldDefinition{Name: "__typename", Type: ast.NonNullNamedType("String", nil)}
				}
				parentType := parent.Name
				if parent.Kind != ast.Object && sel.ObjectDefinition != nil {
					parentType = sel.ObjectDefinition.Name
				}
				pending := &pendingNode{
					node: &Node{
						ResponseKey:   responseKey,
						FieldName:     sel.Name,
						ParentType:    parentType,
						TypeCondition: condition,
						Definition:    definition,
						Arguments:     sel.Arguments,
						StepID:        NoStep,
					},
					sets: []ast.SelectionSet{sel.SelectionSet},
				}
				byKey[key] = pending
				order = append(order, pending)
			case *ast.InlineFragment:
				include, err := s.included(sel.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				if err := walk(sel.SelectionSet, typeCondition(parent, sel.TypeCondition, condition)); err != nil {
					return err
				}
			case *ast.FragmentSpread:
				include, err := s.included(sel.Directives)
				if err != nil {
					return err
				}
				if !include {
					continue
				}
				fragment := sel.Definition
				if fragment == nil {
					fragment = s.doc.Fragments.ForName(sel.Name)
				}
				if fragment == nil {
					return planningErrorf(response, "unknown fragment %s", sel.Name)
				}
				if err := walk(fragment.SelectionSet, typeCondition(parent, fragment.TypeCondition, condition)); err != nil {
					return err
				}
			}
		}
		return nil
	}
	for _, set := range sets {
		if err := walk(set, ""); err != nil {
			return nil, err
		}
	}

	nodes := make([]*Node, 0, len(order))
	for _, pending := range order {
		node := pending.node
		childType := s.schema.Schema.Types[node.Definition.Type.Name()]
		if childType != nil && childType.IsCompositeType() {
			children, err := s.normalize(pending.sets, childType, appendPath(response, node.ResponseKey))
			if err != nil {
				return nil, err
			}
			node.Children = children
		}
		nodes = append(nodes, node)
	}
	return nodes, nil
}

// typeCondition returns the condition fields inside a fragment are restricted to.
// Fragments on concrete parents or on the parent type itself add none.
func typeCondition(parent *ast.Definition, fragmentType, current string) string {
	if fragmentType == "" || fragmentType == parent.Name || parent.Kind == ast.Object {
		return current
	}
	return fragmentType
}

func (s *planner) included(directives ast.DirectiveList) (bool, error) {
	for _, directive := range directives {
		if directive.Name != "skip" && directive.Name != "include" {
			continue
		}
		arg := directive.Arguments.ForName("if")
		if arg == nil {
			continue
		}
		value, err := arg.Value.Value(s.variables)
		if err != nil {
			return false, planningErrorf(nil, "@%s: %s", directive.Name, err)
		}
		condition, _ := value.(bool)
		if directive.Name == "skip" && condition {
			return false, nil
		}
		if directive.Name == "include" && !condition {
			return false, nil
		}
	}
	return true, nil
}

type rootGroup struct {
	subgraph *composition.Subgraph
	nodes    []*Node
}

func (s *planner) planRoot(root *ast.Definition) error {
	var groups []*rootGroup
	for _, node := range s.plan.Nodes {
		path := ast.Path{ast.PathName(node.ResponseKey)}
		if node.IsTypename() {
			continue
		}
		if strings.HasPrefix(node.FieldName, "__") {
			return planningErrorf(path, "introspection field %s is not supported", node.FieldName)
		}
		template, ok := s.schema.Template(root.Name, node.FieldName)
		if !ok {
			return planningErrorf(path, "no subgraph resolves %s.%s", root.Name, node.FieldName)
		}
		subgraph, ok := s.schema.Subgraph(template.Subgraph)
		if !ok {
			return planningErrorf(path, "unknown subgraph %q", template.Subgraph)
		}

		var group *rootGroup
		if s.plan.OperationType == ast.Mutation {
			// mutations keep document order, so only adjacent fields share a call
			if last := len(groups) - 1; last >= 0 && groups[last].subgraph == subgraph {
				group = groups[last]
			}
		} else {
			for _, g := range groups {
				if g.subgraph == subgraph {
					group = g
					break
				}
			}
		}
		if group == nil {
			group = &rootGroup{subgraph: subgraph}
			groups = append(groups, group)
		}
		group.nodes = append(group.nodes, node)
	}

	var previous *Step
	for _, group := range groups {
		for _, chunk := range s.chunk(group.subgraph, group.nodes) {
			step := s.newStep(StepRoot, group.subgraph, s.plan.OperationType)
			if s.plan.OperationType == ast.Mutation && previous != nil {
				step.After = []int{previous.ID}
			}
			for i, node := range chunk {
				alias := fmt.Sprintf("_%d", i)
				node.StepID = step.ID
				node.SourceKey = alias
				field := &ast.Field{
					Alias:      alias,
					Name:       node.FieldName,
					Arguments:  node.Arguments,
					Definition: node.Definition,
				}
				s.useVariables(step, node.Arguments)
				if step.Path == nil {
					step.Path = ast.Path{ast.PathName(node.ResponseKey)}
				}
				step.Fields = append(step.Fields, field)
				if len(node.Children) > 0 {
					sc := &scope{
						step:      step,
						path:      []string{alias},
						selection: &field.SelectionSet,
						response:  ast.Path{ast.PathName(node.ResponseKey)},
					}
					if err := s.planChildren(sc, node); err != nil {
						return err
					}
				}
			}
			previous = step
		}
	}
	return nil
}

func (s *planner) chunk(subgraph *composition.Subgraph, nodes []*Node) [][]*Node {
	size := subgraph.MaxFieldsPerCall
	if size == 0 {
		size = s.config.MaxFieldsPerCall
	}
	if !subgraph.Kind.Batching() {
		size = 1
	}
	if size <= 0 || size >= len(nodes) {
		return [][]*Node{nodes}
	}
	var chunks [][]*Node
	for start := 0; start < len(nodes); start += size {
		end := start + size
		if end > len(nodes) {
			end = len(nodes)
		}
		chunks = append(chunks, nodes[start:end])
	}
	return chunks
}

func (s *planner) planChildren(sc *scope, node *Node) error {
	typeDef := s.schema.Schema.Types[node.Definition.Type.Name()]
	if sc.step.Subgraph.Kind.Batching() && typeDef != nil && typeDef.IsAbstractType() {
		s.addSelection(sc.selection, "", &ast.Field{Name: "__typename"}, true)
	}
	for _, child := range node.Children {
		if err := s.planChild(sc, child); err != nil {
			return err
		}
	}
	return nil
}

func (s *planner) planChild(sc *scope, child *Node) error {
	response := appendPath(sc.response, child.ResponseKey)
	graphql := sc.step.Subgraph.Kind.Batching()

	if child.IsTypename() {
		child.StepID = sc.step.ID
		child.SourceKey = "__typename"
		if graphql {
			s.addSelection(sc.selection, child.TypeCondition, &ast.Field{Name: "__typename"}, true)
		}
		return nil
	}

	template, ok := s.schema.Template(child.ParentType, child.FieldName)
	if !ok {
		return planningErrorf(response, "no subgraph resolves %s.%s", child.ParentType, child.FieldName)
	}
	if template.Kind == composition.TemplateJoined {
		return s.planJoin(sc, child, template.Join, response)
	}
	if !s.schema.Declares(sc.step.Subgraph.Name, child.ParentType, child.FieldName) {
		return planningErrorf(response, "%s.%s cannot be resolved through subgraph %s", child.ParentType, child.FieldName, sc.step.Subgraph.Name)
	}

	child.StepID = sc.step.ID
	field := &ast.Field{
		Name:       child.FieldName,
		Arguments:  child.Arguments,
		Definition: child.Definition,
	}
	if graphql {
		child.SourceKey = child.ResponseKey
		if child.ResponseKey != child.FieldName {
			field.Alias = child.ResponseKey
		}
		s.addSelection(sc.selection, child.TypeCondition, field, false)
		s.useVariables(sc.step, child.Arguments)
	} else {
		child.SourceKey = child.FieldName
	}
	if len(child.Children) == 0 {
		return nil
	}
	return s.planChildren(&scope{
		step:      sc.step,
		path:      appendString(sc.path, child.SourceKey),
		selection: &field.SelectionSet,
		response:  response,
	}, child)
}

func (s *planner) planJoin(sc *scope, child *Node, join *composition.Join, response ast.Path) error {
	target, ok := s.schema.Subgraph(join.Subgraph)
	if !ok {
		return planningErrorf(response, "unknown subgraph %q", join.Subgraph)
	}
	key, dependencies, err := s.keySource(sc, child.ParentType, child.TypeCondition, join.Key, response)
	if err != nil {
		return err
	}

	step := s.newStep(StepJoin, target, ast.Query)
	step.DependsOn = dedupe(append([]int{sc.step.ID}, dependencies...))
	step.Path = response
	step.Join = &JoinFetch{
		Parent: ParentRef{
			StepID:        sc.step.ID,
			Path:          appendString(nil, sc.path...),
			TypeCondition: child.TypeCondition,
		},
		Key:          key,
		Resolver:     join.Resolver,
		Argument:     join.Argument,
		ArgumentType: join.ArgumentType,
		Arguments:    child.Arguments,
	}
	s.useVariables(step, child.Arguments)
	child.StepID = step.ID
	child.Join = key

	if len(child.Children) == 0 {
		return nil
	}
	return s.planChildren(&scope{
		step:      step,
		selection: &step.Join.Selection,
		response:  response,
	}, child)
}

// keySource arranges for the join key keyField to be available on the objects
// of the current scope. A key that is itself joined is fetched by a hidden join
// step the caller has to depend on.
func (s *planner) keySource(sc *scope, parentType, condition, keyField string, response ast.Path) (*KeySource, []int, error) {
	template, ok := s.schema.Template(parentType, keyField)
	if ok && template.Kind == composition.TemplateJoined {
		inner, dependencies, err := s.keySource(sc, parentType, condition, template.Join.Key, response)
		if err != nil {
			return nil, nil, err
		}
		id := fmt.Sprintf("%d|%s|%s|%s.%s", sc.step.ID, strings.Join(sc.path, "."), condition, parentType, keyField)
		step, exists := s.hiddenJoins[id]
		if !exists {
			target, ok := s.schema.Subgraph(template.Join.Subgraph)
			if !ok {
				return nil, nil, planningErrorf(response, "unknown subgraph %q", template.Join.Subgraph)
			}
			step = s.newStep(StepJoin, target, ast.Query)
			step.DependsOn = dedupe(append([]int{sc.step.ID}, dependencies...))
			step.Path = response
			step.Join = &JoinFetch{
				Parent: ParentRef{
					StepID:        sc.step.ID,
					Path:          appendString(nil, sc.path...),
					TypeCondition: condition,
				},
				Key:          inner,
				Resolver:     template.Join.Resolver,
				Argument:     template.Join.Argument,
				ArgumentType: template.Join.ArgumentType,
			}
			s.hiddenJoins[id] = step
		}
		return &KeySource{Via: &KeyVia{StepID: step.ID, Key: inner}}, append(dependencies, step.ID), nil
	}

	if !s.schema.Declares(sc.step.Subgraph.Name, parentType, keyField) {
		return nil, nil, planningErrorf(response, "join key %s.%s is not available from subgraph %s", parentType, keyField, sc.step.Subgraph.Name)
	}
	if !sc.step.Subgraph.Kind.Batching() {
		// rest payloads carry every field of the object
		return &KeySource{Field: keyField}, nil, nil
	}
	alias := KeyAliasPrefix + keyField
	s.addSelection(sc.selection, condition, &ast.Field{Alias: alias, Name: keyField}, true)
	return &KeySource{Field: alias}, nil, nil
}

// addSelection appends field to set, inside an inline fragment when condition
// is set. Hidden fields are added at most once.
func (s *planner) addSelection(set *ast.SelectionSet, condition string, field *ast.Field, hidden bool) {
	target := set
	if condition != "" {
		var fragment *ast.InlineFragment
		for _, selection := range *set {
			if f, ok := selection.(*ast.InlineFragment); ok && f.TypeCondition == condition {
				fragment = f
				break
			}
		}
		if fragment == nil {
			fragment = &ast.InlineFragment{TypeCondition: condition}
			*set = append(*set, fragment)
		}
		target = &fragment.SelectionSet
	}
	if hidden {
		for _, selection := range *target {
			if f, ok := selection.(*ast.Field); ok && f.Alias == field.Alias && f.Name == field.Name {
				return
			}
		}
	}
	*target = append(*target, field)
}

func (s *planner) useVariables(step *Step, arguments ast.ArgumentList) {
	for _, argument := range arguments {
		s.collectVariables(step, argument.Value)
	}
}

func (s *planner) collectVariables(step *Step, value *ast.Value) {
	if value == nil {
		return
	}
	if value.Kind == ast.Variable {
		if step.Variables.ForName(value.Raw) != nil {
			return
		}
		if definition := s.op.VariableDefinitions.ForName(value.Raw); definition != nil {
			step.Variables = append(step.Variables, definition)
		}
		return
	}
	for _, child := range value.Children {
		s.collectVariables(step, child.Value)
	}
}

func (s *planner) newStep(kind StepKind, subgraph *composition.Subgraph, operation ast.Operation) *Step {
	step := &Step{
		ID:        len(s.plan.Steps),
		Kind:      kind,
		Subgraph:  subgraph,
		Operation: operation,
	}
	s.plan.Steps = append(s.plan.Steps, step)
	return step
}

func appendPath(path ast.Path, name string) ast.Path {
	out := make(ast.Path, 0, len(path)+1)
	out = append(out, path...)
	return append(out, ast.PathName(name))
}

func appendString(list []string, values ...string) []string {
	out := make([]string, 0, len(list)+len(values))
	out = append(out, list...)
	return append(out, values...)
}

func dedupe(ids []int) []int {
	out := ids[:0]
	seen := map[int]struct{}{}
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
