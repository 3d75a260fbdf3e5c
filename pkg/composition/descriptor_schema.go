package composition

const descriptorJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "required": ["subgraphs"],
  "additionalProperties": false,
  "definitions": {
    "duration": {
      "type": "string",
      "pattern": "^([0-9]+(\\.[0-9]+)?(ns|us|µs|ms|s|m|h))+$"
    },
    "auth": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "type": {"enum": ["none", "sigv4", "bearer"]},
        "service": {"type": "string"},
        "region": {"type": "string"},
        "token": {"type": "string"},
        "token_file": {"type": "string"},
        "token_ttl": {"$ref": "#/definitions/duration"},
        "header": {"type": "string"}
      }
    },
    "operation": {
      "type": "object",
      "required": ["field", "path"],
      "additionalProperties": false,
      "properties": {
        "field": {"type": "string", "pattern": "^([_A-Za-z][_0-9A-Za-z]*\\.)?[_A-Za-z][_0-9A-Za-z]*$"},
        "method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE"]},
        "path": {"type": "string", "pattern": "^/"},
        "query": {"type": "array", "items": {"type": "string"}},
        "body": {"type": "string"},
        "result": {"type": "string"}
      }
    },
    "subgraph": {
      "type": "object",
      "required": ["name", "kind", "url"],
      "additionalProperties": false,
      "properties": {
        "name": {"type": "string", "pattern": "^[A-Za-z][A-Za-z0-9_-]*$"},
        "kind": {"enum": ["graphql", "rest", "function"]},
        "url": {"type": "string", "pattern": "^https?://"},
        "auth": {"$ref": "#/definitions/auth"},
        "timeout": {"$ref": "#/definitions/duration"},
        "max_fields_per_call": {"type": "integer", "minimum": 0},
        "schema": {"type": "string"},
        "schema_file": {"type": "string"},
        "operations": {"type": "array", "items": {"$ref": "#/definitions/operation"}}
      },
      "oneOf": [
        {"required": ["schema"]},
        {"required": ["schema_file"]}
      ]
    },
    "join": {
      "type": "object",
      "required": ["type", "field", "subgraph"],
      "additionalProperties": false,
      "properties": {
        "type": {"type": "string"},
        "field": {"type": "string"},
        "subgraph": {"type": "string"},
        "resolver": {"type": "string"},
        "key": {"type": "string"},
        "argument": {"type": "string"}
      },
      "dependencies": {
        "resolver": ["key"]
      }
    }
  },
  "properties": {
    "subgraphs": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/subgraph"}
    },
    "joins": {
      "type": "array",
      "items": {"$ref": "#/definitions/join"}
    }
  }
}`
