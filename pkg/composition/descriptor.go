package composition

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v2"
)

type SubgraphKind string

const (
	KindGraphQL  SubgraphKind = "graphql"
	KindREST     SubgraphKind = "rest"
	KindFunction SubgraphKind = "function"
)

// Batching reports whether several root fields can share one backend call.
func (k SubgraphKind) Batching() bool {
	return k == KindGraphQL || k == KindFunction
}

func (k SubgraphKind) Valid() bool {
	switch k {
	case KindGraphQL, KindREST, KindFunction:
		return true
	}
	return false
}

// DefaultService returns the SigV4 service scope used when a subgraph does not name one.
func (k SubgraphKind) DefaultService() string {
	switch k {
	case KindREST:
		return "execute-api"
	case KindFunction:
		return "lambda"
	default:
		return "appsync"
	}
}

type AuthType string

const (
	AuthNone   AuthType = "none"
	AuthSigV4  AuthType = "sigv4"
	AuthBearer AuthType = "bearer"
)

type Auth struct {
	Type      AuthType      `yaml:"type"`
	Service   string        `yaml:"service"`
	Region    string        `yaml:"region"`
	Token     string        `yaml:"token"`
	TokenFile string        `yaml:"token_file"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
	Header    string        `yaml:"header"`
}

// Operation maps a root field of a rest subgraph onto an HTTP call.
// Path segments written as {arg} are replaced by the argument value.
type Operation struct {
	Field  string   `yaml:"field"`
	Method string   `yaml:"method"`
	Path   string   `yaml:"path"`
	Query  []string `yaml:"query"`
	Body   string   `yaml:"body"`
	Result string   `yaml:"result"`
}

// Coordinate returns the type and field name of Field ("Query.reviewById").
func (o Operation) Coordinate() Coordinate {
	typeName, field, found := strings.Cut(o.Field, ".")
	if !found {
		return Coordinate{Type: "Query", Field: o.Field}
	}
	return Coordinate{Type: typeName, Field: field}
}

func (o Operation) PathParams() []string {
	var params []string
	rest := o.Path
	for {
		start := strings.IndexByte(rest, '{')
		if start == -1 {
			return params
		}
		end := strings.IndexByte(rest[start:], '}')
		if end == -1 {
			return params
		}
		params = append(params, rest[start+1:start+end])
		rest = rest[start+end+1:]
	}
}

type Subgraph struct {
	Name             string        `yaml:"name"`
	Kind             SubgraphKind  `yaml:"kind"`
	URL              string        `yaml:"url"`
	Auth             Auth          `yaml:"auth"`
	Timeout          time.Duration `yaml:"timeout"`
	MaxFieldsPerCall int           `yaml:"max_fields_per_call"`
	Schema           string        `yaml:"schema"`
	SchemaFile       string        `yaml:"schema_file"`
	Operations       []Operation   `yaml:"operations"`
}

func (s *Subgraph) Operation(coordinate Coordinate) (Operation, bool) {
	for _, op := range s.Operations {
		if op.Coordinate() == coordinate {
			return op, true
		}
	}
	return Operation{}, false
}

// JoinRule declares that Type.Field is resolved by calling Resolver on the
// Query type of Subgraph with the value of Type.Key passed as Argument.
// A rule without Resolver only states that Subgraph owns Type.Field.
type JoinRule struct {
	Type     string `yaml:"type"`
	Field    string `yaml:"field"`
	Subgraph string `yaml:"subgraph"`
	Resolver string `yaml:"resolver"`
	Key      string `yaml:"key"`
	Argument string `yaml:"argument"`
}

func (j JoinRule) IsPrecedence() bool {
	return j.Resolver == ""
}

func (j JoinRule) Coordinate() Coordinate {
	return Coordinate{Type: j.Type, Field: j.Field}
}

type Descriptor struct {
	Subgraphs []Subgraph `yaml:"subgraphs"`
	Joins     []JoinRule `yaml:"joins"`
}

var descriptorSchema = jsonschema.MustCompileString("descriptor.json", descriptorJSONSchema)

// ParseDescriptor decodes a YAML (or JSON) composition descriptor and checks it
// against the descriptor JSON schema. Schema files are not read.
func ParseDescriptor(data []byte) (*Descriptor, error) {
	var raw interface{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	if err := descriptorSchema.Validate(jsonValue(raw)); err != nil {
		return nil, fmt.Errorf("invalid descriptor: %w", err)
	}
	var d Descriptor
	if err := yaml.UnmarshalStrict(data, &d); err != nil {
		return nil, fmt.Errorf("decode descriptor: %w", err)
	}
	return &d, nil
}

// LoadDescriptorFile reads and parses the descriptor at path and inlines every
// schema_file, resolved relative to the descriptor's directory.
func LoadDescriptorFile(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	d, err := ParseDescriptor(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	dir := filepath.Dir(path)
	for i := range d.Subgraphs {
		sg := &d.Subgraphs[i]
		if sg.SchemaFile == "" {
			continue
		}
		file := sg.SchemaFile
		if !filepath.IsAbs(file) {
			file = filepath.Join(dir, file)
		}
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("subgraph %s: %w", sg.Name, err)
		}
		sg.Schema = string(content)
	}
	return d, nil
}

// jsonValue turns the generic yaml tree into the value types the JSON schema validator accepts.
func jsonValue(v interface{}) interface{} {
	switch value := v.(type) {
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(value))
		for k, item := range value {
			out[fmt.Sprint(k)] = jsonValue(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(value))
		for i, item := range value {
			out[i] = jsonValue(item)
		}
		return out
	case time.Time:
		return value.Format(time.RFC3339)
	default:
		return value
	}
}
