package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/xeipuuv/gojsonschema"
	"gopkg.in/yaml.v3"

	"github.com/velometry/velometry/internal/errdefs"
)

// configSchema is the JSON schema every config file must satisfy before
// unmarshalling. It catches structural mistakes (wrong types, unknown
// enums) with precise paths; semantic rules live in validateConfig.
const configSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "velometry configuration",
  "type": "object",
  "properties": {
    "sourceHost": {
      "type": "object",
      "properties": {
        "token": {"type": "string"},
        "organization": {"type": "string"},
        "baseUrl": {"type": "string"},
        "pageSize": {"type": "integer", "minimum": 1, "maximum": 100},
        "maxRetries": {"type": "integer", "minimum": 0},
        "retryBaseSeconds": {"type": "integer", "minimum": 1},
        "retryCapSeconds": {"type": "integer", "minimum": 1},
        "timeoutSeconds": {"type": "integer", "minimum": 1}
      }
    },
    "issueTracker": {
      "type": "object",
      "properties": {
        "server": {"type": "string"},
        "username": {"type": "string"},
        "apiToken": {"type": "string"},
        "projectKeys": {"type": "array", "items": {"type": "string"}},
        "verifySsl": {"type": "boolean"},
        "timeoutSeconds": {"type": "integer", "minimum": 1},
        "countTimeoutSeconds": {"type": "integer", "minimum": 1},
        "environments": {
          "type": "object",
          "additionalProperties": {
            "type": "object",
            "properties": {
              "server": {"type": "string"},
              "timeOffsetDays": {"type": "integer", "minimum": 0},
              "filterIds": {"type": "array", "items": {"type": "integer"}}
            }
          }
        },
        "pagination": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "batchSize": {"type": "integer", "minimum": 1},
            "largeBatchSize": {"type": "integer", "minimum": 1},
            "hugeThreshold": {"type": "integer", "minimum": 1},
            "fetchChangelogForLarge": {"type": "boolean"},
            "maxRetries": {"type": "integer", "minimum": 0},
            "retryDelaySeconds": {"type": "integer", "minimum": 1}
          }
        },
        "incidents": {
          "type": "object",
          "properties": {
            "types": {"type": "array", "items": {"type": "string"}},
            "labels": {"type": "array", "items": {"type": "string"}},
            "blastRadiusHours": {"type": "integer", "minimum": 1},
            "attribution": {"enum": ["window", "next-release"]}
          }
        }
      }
    },
    "releases": {
      "type": "object",
      "properties": {
        "classification": {
          "type": "array",
          "items": {
            "type": "object",
            "properties": {
              "pattern": {"type": "string"},
              "environment": {"enum": ["production", "staging", "other"]}
            },
            "required": ["pattern", "environment"]
          }
        }
      }
    },
    "teams": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "members": {
            "type": "array",
            "items": {
              "type": "object",
              "properties": {
                "name": {"type": "string"},
                "sourceLogin": {"type": "string"},
                "issueTrackerLogin": {"type": "string"}
              },
              "required": ["sourceLogin"]
            }
          },
          "repositories": {"type": "array", "items": {"type": "string"}}
        },
        "required": ["name"]
      }
    },
    "dashboard": {
      "type": "object",
      "properties": {
        "port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "debug": {"type": "boolean"},
        "enableHsts": {"type": "boolean"},
        "refusePartialData": {"type": "boolean"},
        "readTimeout": {"type": "string"},
        "writeTimeout": {"type": "string"},
        "idleTimeout": {"type": "string"},
        "auth": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "users": {
              "type": "array",
              "items": {
                "type": "object",
                "properties": {
                  "username": {"type": "string"},
                  "passwordHashPbkdf2Sha256": {"type": "string"}
                },
                "required": ["username", "passwordHashPbkdf2Sha256"]
              }
            }
          }
        },
        "rateLimiting": {
          "type": "object",
          "properties": {
            "enabled": {"type": "boolean"},
            "defaultLimit": {"type": "string"},
            "storageUri": {"type": "string"}
          }
        }
      }
    },
    "performanceWeights": {
      "type": "object",
      "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}
    },
    "scoring": {
      "type": "object",
      "properties": {
        "normalizeByTeamSize": {"type": "boolean"}
      }
    },
    "cache": {
      "type": "object",
      "properties": {
        "directory": {"type": "string"},
        "memoryMaxBytes": {"type": "integer", "minimum": 1},
        "ttlSeconds": {"type": "integer", "minimum": 1},
        "evictionPolicy": {"enum": ["lru", "ttl"]},
        "maxArtifacts": {"type": "integer", "minimum": 1},
        "warmKeys": {"type": "array", "items": {"type": "string"}}
      }
    },
    "performance": {
      "type": "object",
      "properties": {
        "databasePath": {"type": "string"},
        "retentionDays": {"type": "integer", "minimum": 1}
      }
    },
    "collection": {
      "type": "object",
      "properties": {
        "teamWorkers": {"type": "integer", "minimum": 1},
        "repoWorkers": {"type": "integer", "minimum": 1},
        "personWorkers": {"type": "integer", "minimum": 1}
      }
    },
    "events": {
      "type": "object",
      "properties": {
        "asyncWorkers": {"type": "integer", "minimum": 1},
        "historySize": {"type": "integer", "minimum": 0}
      }
    },
    "observability": {
      "type": "object",
      "properties": {
        "otlpEndpoint": {"type": "string"},
        "logJson": {"type": "boolean"},
        "logLevel": {"enum": ["debug", "info", "warn", "error"]}
      }
    }
  }
}`

// validateSchema checks the YAML config file at path against configSchema.
// Violations are reported with their document paths, one per line.
func validateSchema(path string) error {
	raw, readErr := os.ReadFile(path)
	if readErr != nil {
		return fmt.Errorf("%w: read %s: %v", errdefs.ErrConfig, path, readErr)
	}

	var doc map[string]any

	if yamlErr := yaml.Unmarshal(raw, &doc); yamlErr != nil {
		return fmt.Errorf("%w: parse %s: %v", errdefs.ErrConfig, path, yamlErr)
	}

	if doc == nil {
		// An empty file is structurally fine; defaults apply.
		return nil
	}

	result, validateErr := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewGoLoader(doc),
	)
	if validateErr != nil {
		return fmt.Errorf("%w: schema validation: %v", errdefs.ErrConfig, validateErr)
	}

	if result.Valid() {
		return nil
	}

	var details []string
	for _, violation := range result.Errors() {
		details = append(details, fmt.Sprintf("%s: %s", violation.Field(), violation.Description()))
	}

	return fmt.Errorf("%w: config file %s violates schema:\n  %s",
		errdefs.ErrConfig, path, strings.Join(details, "\n  "))
}
