package composition

import (
	"bytes"
	"fmt"
	"sort"
	"strings"

	"github.com/vektah/gqlparser/v2"
	"github.com/vektah/gqlparser/v2/ast"
	"github.com/vektah/gqlparser/v2/formatter"
	"github.com/vektah/gqlparser/v2/parser"
	"github.com/vektah/gqlparser/v2/validator"
)

// awsScalars are declared implicitly by managed schema backends.
var awsScalars = []string{
	"AWSDate", "AWSDateTime", "AWSEmail", "AWSIPAddress", "AWSJSON",
	"AWSPhone", "AWSTime", "AWSTimestamp", "AWSURL",
}

var builtinScalars = map[string]struct{}{
	"ID": {}, "String": {}, "Int": {}, "Float": {}, "Boolean": {},
}

func IsRootType(name string) bool {
	return name == "Query" || name == "Mutation" || name == "Subscription"
}

type subgraphSchema struct {
	config *Subgraph
	schema *ast.Schema
}

type composer struct {
	descriptor *Descriptor
	violations violations

	subgraphs []*subgraphSchema
	byName    map[string]*subgraphSchema

	types       map[string]*ast.Definition
	typeOrigin  map[string]string
	fieldOwners map[Coordinate][]string
	declares    map[string]map[Coordinate]struct{}
	joins       map[Coordinate]*Join
	precedence  map[Coordinate]string
}

// Load composes the descriptor into a MergedSchema. It never stops at the
// first problem: all violations are returned together in a *CompositionError,
// sorted by subgraph, coordinate and message.
func Load(d *Descriptor) (*MergedSchema, error) {
	if d == nil || len(d.Subgraphs) == 0 {
		return nil, &CompositionError{Violations: []Violation{{Message: "descriptor defines no subgraphs"}}}
	}
	c := &composer{
		descriptor:  d,
		byName:      map[string]*subgraphSchema{},
		types:       map[string]*ast.Definition{},
		typeOrigin:  map[string]string{},
		fieldOwners: map[Coordinate][]string{},
		declares:    map[string]map[Coordinate]struct{}{},
		joins:       map[Coordinate]*Join{},
		precedence:  map[Coordinate]string{},
	}
	c.loadSubgraphs()
	c.mergeTypes()
	c.applyJoins()
	c.checkOwnership()
	c.checkCycles()
	c.checkReachability()
	c.checkOperations()
	if err := c.violations.err(); err != nil {
		return nil, err
	}
	return c.build()
}

func (c *composer) loadSubgraphs() {
	for i := range c.descriptor.Subgraphs {
		sg := &c.descriptor.Subgraphs[i]
		if sg.Name == "" {
			c.violations.add("", "", "subgraph at index %d has no name", i)
			continue
		}
		if c.byName[sg.Name] != nil {
			c.violations.add(sg.Name, "", "subgraph name is used more than once")
			continue
		}
		if !sg.Kind.Valid() {
			c.violations.add(sg.Name, "", "unknown kind %q", sg.Kind)
		}
		if sg.URL == "" {
			c.violations.add(sg.Name, "", "url is required")
		}
		if strings.TrimSpace(sg.Schema) == "" {
			c.violations.add(sg.Name, "", "schema is empty")
			continue
		}
		schema, err := loadSubgraphSchema(sg)
		if err != nil {
			c.violations.add(sg.Name, "", "invalid schema: %s", err)
			continue
		}
		s := &subgraphSchema{config: sg, schema: schema}
		c.subgraphs = append(c.subgraphs, s)
		c.byName[sg.Name] = s
		c.declares[sg.Name] = map[Coordinate]struct{}{}
	}
}

func loadSubgraphSchema(sg *Subgraph) (*ast.Schema, error) {
	doc, err := parser.ParseSchema(&ast.Source{Name: sg.Name, Input: sg.Schema})
	if err != nil {
		return nil, err
	}
	if err := checkRootNames(doc); err != nil {
		return nil, err
	}
	doc.Schema, doc.SchemaExtension, doc.Directives = nil, nil, nil
	doc.Definitions = dropSubscription(doc.Definitions)
	doc.Extensions = dropSubscription(doc.Extensions)
	stripDirectives(doc.Definitions)
	stripDirectives(doc.Extensions)
	declareAWSScalars(doc)

	prelude, err := parser.ParseSchema(validator.Prelude)
	if err != nil {
		return nil, err
	}
	full := &ast.SchemaDocument{}
	full.Merge(prelude)
	full.Merge(doc)
	return validator.ValidateSchemaDocument(full)
}

func checkRootNames(doc *ast.SchemaDocument) error {
	for _, list := range []ast.SchemaDefinitionList{doc.Schema, doc.SchemaExtension} {
		for _, def := range list {
			for _, op := range def.OperationTypes {
				expected := strings.ToUpper(string(op.Operation[:1])) + string(op.Operation[1:])
				if op.Type != expected {
					return fmt.Errorf("root %s type must be named %s, got %s", op.Operation, expected, op.Type)
				}
			}
		}
	}
	return nil
}

// dropSubscription removes the Subscription root; the gateway only serves queries and mutations.
func dropSubscription(list ast.DefinitionList) ast.DefinitionList {
	out := list[:0]
	for _, def := range list {
		if def.Name == "Subscription" {
			continue
		}
		out = append(out, def)
	}
	return out
}

func stripDirectives(list ast.DefinitionList) {
	for _, def := range list {
		def.Directives = keepDeprecated(def.Directives)
		for _, field := range def.Fields {
			field.Directives = keepDeprecated(field.Directives)
			for _, arg := range field.Arguments {
				arg.Directives = keepDeprecated(arg.Directives)
			}
		}
		for _, value := range def.EnumValues {
			value.Directives = keepDeprecated(value.Directives)
		}
	}
}

func keepDeprecated(list ast.DirectiveList) ast.DirectiveList {
	var out ast.DirectiveList
	for _, d := range list {
		if d.Name == "deprecated" {
			out = append(out, d)
		}
	}
	return out
}

func declareAWSScalars(doc *ast.SchemaDocument) {
	declared := map[string]struct{}{}
	for _, def := range doc.Definitions {
		declared[def.Name] = struct{}{}
	}
	referenced := map[string]struct{}{}
	for _, list := range []ast.DefinitionList{doc.Definitions, doc.Extensions} {
		for _, def := range list {
			for _, field := range def.Fields {
				referenced[field.Type.Name()] = struct{}{}
				for _, arg := range field.Arguments {
					referenced[arg.Type.Name()] = struct{}{}
				}
			}
		}
	}
	for _, name := range awsScalars {
		_, isDeclared := declared[name]
		_, isReferenced := referenced[name]
		if isReferenced && !isDeclared {
			doc.Definitions = append(doc.Definitions, &ast.Definition{Kind: ast.Scalar, Name: name})
		}
	}
}

func (c *composer) mergeTypes() {
	for _, s := range c.subgraphs {
		names := make([]string, 0, len(s.schema.Types))
		for name, def := range s.schema.Types {
			if def.BuiltIn || strings.HasPrefix(name, "__") {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			c.mergeType(s.config.Name, s.schema.Types[name])
		}
	}
	if c.types["Query"] == nil && len(c.subgraphs) > 0 {
		c.violations.add("", "", "no subgraph defines a Query type")
	}
}

func (c *composer) mergeType(subgraph string, def *ast.Definition) {
	merged, exists := c.types[def.Name]
	if !exists {
		merged = &ast.Definition{
			Kind:        def.Kind,
			Description: def.Description,
			Name:        def.Name,
			Directives:  def.Directives,
		}
		c.types[def.Name] = merged
		c.typeOrigin[def.Name] = subgraph
	} else if merged.Kind != def.Kind {
		c.violations.add(subgraph, def.Name, "defined as %s but subgraph %s defines it as %s", def.Kind, c.typeOrigin[def.Name], merged.Kind)
		return
	}

	merged.Interfaces = appendMissing(merged.Interfaces, def.Interfaces...)
	merged.Types = appendMissing(merged.Types, def.Types...)
	for _, value := range def.EnumValues {
		if merged.EnumValues.ForName(value.Name) == nil {
			merged.EnumValues = append(merged.EnumValues, value)
		}
	}

	for _, field := range def.Fields {
		if strings.HasPrefix(field.Name, "__") {
			continue
		}
		coordinate := Coordinate{Type: def.Name, Field: field.Name}
		if def.Kind == ast.Object || def.Kind == ast.Interface {
			c.fieldOwners[coordinate] = append(c.fieldOwners[coordinate], subgraph)
			c.declares[subgraph][coordinate] = struct{}{}
		}
		existing := merged.Fields.ForName(field.Name)
		if existing == nil {
			merged.Fields = append(merged.Fields, field)
			continue
		}
		if existing.Type.String() != field.Type.String() {
			c.violations.add(subgraph, coordinate.String(), "type %s conflicts with %s defined by subgraph %s", field.Type.String(), existing.Type.String(), c.typeOrigin[def.Name])
			continue
		}
		if formatArguments(existing.Arguments) != formatArguments(field.Arguments) {
			c.violations.add(subgraph, coordinate.String(), "arguments %s conflict with %s defined by subgraph %s", formatArguments(field.Arguments), formatArguments(existing.Arguments), c.typeOrigin[def.Name])
		}
	}
}

func appendMissing(list []string, values ...string) []string {
	for _, v := range values {
		found := false
		for _, existing := range list {
			if existing == v {
				found = true
				break
			}
		}
		if !found {
			list = append(list, v)
		}
	}
	return list
}

func formatArguments(args ast.ArgumentDefinitionList) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, arg.Name+": "+arg.Type.String())
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func (c *composer) applyJoins() {
	for _, rule := range c.descriptor.Joins {
		c.applyJoin(rule)
	}
}

func (c *composer) applyJoin(rule JoinRule) {
	coordinate := rule.Coordinate()
	where := coordinate.String()
	def := c.types[rule.Type]
	switch {
	case rule.Type == "" || rule.Field == "":
		c.violations.add(rule.Subgraph, where, "join rule needs a type and a field")
		return
	case def == nil:
		c.violations.add(rule.Subgraph, where, "join rule references unknown type %s", rule.Type)
		return
	}
	target := c.byName[rule.Subgraph]
	if target == nil {
		c.violations.add(rule.Subgraph, where, "join rule references unknown subgraph %q", rule.Subgraph)
		return
	}
	if _, dup := c.joins[coordinate]; dup {
		c.violations.add(rule.Subgraph, where, "field has more than one join rule")
		return
	}
	if _, dup := c.precedence[coordinate]; dup {
		c.violations.add(rule.Subgraph, where, "field has more than one join rule")
		return
	}

	if rule.IsPrecedence() {
		if _, ok := c.declares[rule.Subgraph][coordinate]; !ok {
			c.violations.add(rule.Subgraph, where, "precedence rule names a subgraph that does not define the field")
			return
		}
		c.precedence[coordinate] = rule.Subgraph
		return
	}
	if IsRootType(rule.Type) {
		c.violations.add(rule.Subgraph, where, "fields of root operation types cannot be joined")
		return
	}
	if def.Kind != ast.Object {
		c.violations.add(rule.Subgraph, where, "join rule target must be an object type, %s is %s", rule.Type, def.Kind)
		return
	}

	var resolver *ast.FieldDefinition
	if target.schema.Query != nil {
		resolver = target.schema.Query.Fields.ForName(rule.Resolver)
	}
	if resolver == nil {
		c.violations.add(rule.Subgraph, where, "resolver Query.%s does not exist", rule.Resolver)
		return
	}
	argumentName := rule.Argument
	if argumentName == "" {
		if len(resolver.Arguments) != 1 {
			c.violations.add(rule.Subgraph, where, "resolver Query.%s takes %d arguments, the key argument must be named", rule.Resolver, len(resolver.Arguments))
			return
		}
		argumentName = resolver.Arguments[0].Name
	}
	argument := resolver.Arguments.ForName(argumentName)
	if argument == nil {
		c.violations.add(rule.Subgraph, where, "resolver Query.%s has no argument %q", rule.Resolver, argumentName)
		return
	}
	if rule.Key == "" {
		c.violations.add(rule.Subgraph, where, "join rule with a resolver needs a key field")
		return
	}
	keyField := def.Fields.ForName(rule.Key)
	if keyField == nil {
		c.violations.add(rule.Subgraph, where, "key field %s.%s does not exist", rule.Type, rule.Key)
		return
	}
	if !c.isLeaf(keyField.Type) {
		c.violations.add(rule.Subgraph, where, "key field %s.%s must be a scalar or enum", rule.Type, rule.Key)
		return
	}
	if argument.Type.Name() != keyField.Type.Name() && argument.Type.Name() != "ID" && keyField.Type.Name() != "ID" {
		c.violations.add(rule.Subgraph, where, "key field type %s does not fit argument %s: %s", keyField.Type.String(), argument.Name, argument.Type.String())
		return
	}

	if existing := def.Fields.ForName(rule.Field); existing != nil {
		if existing.Type.Name() != resolver.Type.Name() {
			c.violations.add(rule.Subgraph, where, "declared type %s does not match resolver type %s", existing.Type.String(), resolver.Type.String())
			return
		}
	} else {
		var arguments ast.ArgumentDefinitionList
		for _, arg := range resolver.Arguments {
			if arg.Name != argumentName {
				arguments = append(arguments, arg)
			}
		}
		def.Fields = append(def.Fields, &ast.FieldDefinition{
			Name:        rule.Field,
			Description: resolver.Description,
			Arguments:   arguments,
			Type:        resolver.Type,
		})
	}

	c.joins[coordinate] = &Join{
		Subgraph:     rule.Subgraph,
		Resolver:     rule.Resolver,
		Argument:     argumentName,
		ArgumentType: argument.Type,
		Key:          rule.Key,
	}
}

func (c *composer) isLeaf(t *ast.Type) bool {
	if t.Elem != nil {
		return false
	}
	if _, ok := builtinScalars[t.Name()]; ok {
		return true
	}
	def := c.types[t.Name()]
	return def != nil && def.IsLeafType()
}

func (c *composer) checkOwnership() {
	for _, coordinate := range sortedCoordinates(c.fieldOwners) {
		owners := c.fieldOwners[coordinate]
		if len(owners) < 2 {
			continue
		}
		if _, joined := c.joins[coordinate]; joined {
			continue
		}
		if _, ok := c.precedence[coordinate]; ok {
			continue
		}
		c.violations.add("", coordinate.String(), "defined by subgraphs %s without a join or precedence rule", strings.Join(owners, ", "))
	}
}

// checkCycles follows key edges between joins. Each join has at most one
// outgoing edge (its key field), so walking the chain is enough.
func (c *composer) checkCycles() {
	done := map[Coordinate]bool{}
	for _, start := range sortedCoordinates(c.joins) {
		if done[start] {
			continue
		}
		var path []Coordinate
		index := map[Coordinate]int{}
		current := start
		for !done[current] {
			if i, seen := index[current]; seen {
				c.reportCycle(path[i:])
				break
			}
			index[current] = len(path)
			path = append(path, current)
			next := Coordinate{Type: current.Type, Field: c.joins[current].Key}
			if _, joined := c.joins[next]; !joined {
				break
			}
			current = next
		}
		for _, p := range path {
			done[p] = true
		}
	}
}

func (c *composer) reportCycle(cycle []Coordinate) {
	first := 0
	for i := range cycle {
		if cycle[i].String() < cycle[first].String() {
			first = i
		}
	}
	names := make([]string, 0, len(cycle)+1)
	for i := range cycle {
		names = append(names, cycle[(first+i)%len(cycle)].String())
	}
	names = append(names, names[0])
	c.violations.add("", names[0], "join rules form a cycle: %s", strings.Join(names, " -> "))
}

// checkReachability makes sure every field of a type a subgraph can return is
// either served by that subgraph or joined.
func (c *composer) checkReachability() {
	for _, s := range c.subgraphs {
		names := make([]string, 0, len(s.schema.Types))
		for name, def := range s.schema.Types {
			if def.BuiltIn || IsRootType(name) || strings.HasPrefix(name, "__") {
				continue
			}
			if def.Kind != ast.Object && def.Kind != ast.Interface {
				continue
			}
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			merged := c.types[name]
			if merged == nil || merged.Kind != s.schema.Types[name].Kind {
				continue
			}
			for _, field := range merged.Fields {
				coordinate := Coordinate{Type: name, Field: field.Name}
				if _, joined := c.joins[coordinate]; joined {
					continue
				}
				if _, ok := c.declares[s.config.Name][coordinate]; ok {
					continue
				}
				c.violations.add(s.config.Name, coordinate.String(), "field cannot be resolved from this subgraph although it returns %s", name)
			}
		}
	}
}

func (c *composer) checkOperations() {
	for _, s := range c.subgraphs {
		sg := s.config
		if sg.Kind != KindREST {
			if len(sg.Operations) > 0 {
				c.violations.add(sg.Name, "", "operations are only allowed on rest subgraphs")
			}
			continue
		}
		for _, root := range []*ast.Definition{s.schema.Query, s.schema.Mutation} {
			if root == nil {
				continue
			}
			for _, field := range root.Fields {
				if strings.HasPrefix(field.Name, "__") {
					continue
				}
				coordinate := Coordinate{Type: root.Name, Field: field.Name}
				if _, ok := sg.Operation(coordinate); !ok {
					c.violations.add(sg.Name, coordinate.String(), "rest field has no operation mapping")
				}
			}
		}
		for _, op := range sg.Operations {
			coordinate := op.Coordinate()
			root := s.schema.Types[coordinate.Type]
			if root == nil || (root != s.schema.Query && root != s.schema.Mutation) {
				c.violations.add(sg.Name, coordinate.String(), "operation must map a Query or Mutation field")
				continue
			}
			field := root.Fields.ForName(coordinate.Field)
			if field == nil {
				c.violations.add(sg.Name, coordinate.String(), "operation maps an unknown field")
				continue
			}
			args := append(append([]string{}, op.PathParams()...), op.Query...)
			if op.Body != "" {
				args = append(args, op.Body)
			}
			for _, arg := range args {
				if field.Arguments.ForName(arg) == nil {
					c.violations.add(sg.Name, coordinate.String(), "operation uses unknown argument %q", arg)
				}
			}
		}
	}
}

func (c *composer) build() (*MergedSchema, error) {
	names := make([]string, 0, len(c.types))
	for name := range c.types {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		ri, rj := rootRank(names[i]), rootRank(names[j])
		if ri != rj {
			return ri < rj
		}
		return names[i] < names[j]
	})
	doc := &ast.SchemaDocument{}
	for _, name := range names {
		doc.Definitions = append(doc.Definitions, c.types[name])
	}

	var buf bytes.Buffer
	formatter.NewFormatter(&buf, formatter.WithIndent("  ")).FormatSchemaDocument(doc)
	sdl := buf.String()

	schema, err := gqlparser.LoadSchema(&ast.Source{Name: "merged", Input: sdl})
	if err != nil {
		c.violations.add("", "", "merged schema is invalid: %s", err)
		return nil, c.violations.err()
	}

	m := &MergedSchema{
		SDL:       sdl,
		Schema:    schema,
		byName:    map[string]*Subgraph{},
		templates: map[Coordinate]*Template{},
		declares:  c.declares,
	}
	for _, s := range c.subgraphs {
		m.subgraphs = append(m.subgraphs, s.config)
		m.byName[s.config.Name] = s.config
	}
	for _, name := range names {
		def := c.types[name]
		if def.Kind != ast.Object && def.Kind != ast.Interface {
			continue
		}
		for _, field := range def.Fields {
			coordinate := Coordinate{Type: name, Field: field.Name}
			if join, ok := c.joins[coordinate]; ok {
				m.templates[coordinate] = &Template{Kind: TemplateJoined, Coordinate: coordinate, Subgraph: join.Subgraph, Join: join}
				continue
			}
			owner, ok := c.precedence[coordinate]
			if !ok {
				owner = c.fieldOwners[coordinate][0]
			}
			m.templates[coordinate] = &Template{Kind: TemplateNative, Coordinate: coordinate, Subgraph: owner}
		}
	}
	return m, nil
}

func rootRank(name string) int {
	switch name {
	case "Query":
		return 0
	case "Mutation":
		return 1
	}
	return 2
}

func sortedCoordinates[V any](m map[Coordinate]V) []Coordinate {
	out := make([]Coordinate, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
