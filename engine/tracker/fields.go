package tracker

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/issueflow/issueflow/engine/core"
)

// FieldType is the compressed type set used for value validation.
type FieldType string

const (
	FieldString   FieldType = "string"
	FieldNumber   FieldType = "number"
	FieldArray    FieldType = "array"
	FieldOption   FieldType = "option"
	FieldDate     FieldType = "date"
	FieldDateTime FieldType = "datetime"
)

// FieldSchema describes one tracker field.
type FieldSchema struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	Type          FieldType `json:"type"`
	Required      bool      `json:"required"`
	AllowedValues []string  `json:"allowed_values,omitempty"`
}

type projectFields struct {
	byKey     map[string]*FieldSchema
	fetchedAt time.Time
}

const (
	// DefaultFieldTTL is how long cached project field metadata stays valid.
	DefaultFieldTTL = 5 * time.Minute
	fieldCacheSize  = 128
	// globalProjectKey caches tracker-wide field metadata.
	globalProjectKey = "_global"
)

// FieldCache caches field metadata per project with a TTL. Fetches are
// single-flighted per project; names and ids are both lookup keys.
type FieldCache struct {
	client *Client
	cache  *expirable.LRU[string, *projectFields]
	group  singleflight.Group
	hits   atomic.Int64
	misses atomic.Int64
}

func NewFieldCache(client *Client, ttl time.Duration) *FieldCache {
	if ttl <= 0 {
		ttl = DefaultFieldTTL
	}
	return &FieldCache{
		client: client,
		cache:  expirable.NewLRU[string, *projectFields](fieldCacheSize, nil, ttl),
	}
}

// GetField resolves a field schema by name or id, fetching metadata on a
// cache miss.
func (fc *FieldCache) GetField(ctx context.Context, nameOrID, projectKey string) (*FieldSchema, error) {
	fields, err := fc.projectFields(ctx, projectKey)
	if err != nil {
		return nil, err
	}
	if schema, ok := fields.byKey[strings.ToLower(nameOrID)]; ok {
		return schema, nil
	}
	return nil, core.NewError(core.CategoryNotFound, "field_not_found",
		fmt.Sprintf("field %q not found", nameOrID))
}

// Validate checks a value against the cached schema for the field.
func (fc *FieldCache) Validate(ctx context.Context, nameOrID string, value any, projectKey string) error {
	schema, err := fc.GetField(ctx, nameOrID, projectKey)
	if err != nil {
		return err
	}
	if value == nil {
		if schema.Required {
			return core.NewError(core.CategoryValidation, "field_required",
				fmt.Sprintf("field %q is required", schema.Name))
		}
		return nil
	}
	if err := checkType(schema, value); err != nil {
		return err
	}
	if len(schema.AllowedValues) > 0 {
		if s, ok := value.(string); ok {
			for _, allowed := range schema.AllowedValues {
				if allowed == s {
					return nil
				}
			}
			return core.NewError(core.CategoryValidation, "field_value_not_allowed",
				fmt.Sprintf("value %q is not allowed for field %q", s, schema.Name))
		}
	}
	return nil
}

func checkType(schema *FieldSchema, value any) error {
	ok := true
	switch schema.Type {
	case FieldString, FieldOption, FieldDate, FieldDateTime:
		_, ok = value.(string)
	case FieldNumber:
		switch value.(type) {
		case int, int32, int64, float32, float64:
		default:
			ok = false
		}
	case FieldArray:
		switch value.(type) {
		case []any, []string:
		default:
			ok = false
		}
	}
	if !ok {
		return core.NewError(core.CategoryValidation, "field_type_mismatch",
			fmt.Sprintf("field %q expects %s", schema.Name, schema.Type))
	}
	return nil
}

// HitRate returns the cache hit ratio since startup, 1.0 when unused.
func (fc *FieldCache) HitRate() float64 {
	hits := fc.hits.Load()
	total := hits + fc.misses.Load()
	if total == 0 {
		return 1.0
	}
	return float64(hits) / float64(total)
}

func (fc *FieldCache) projectFields(ctx context.Context, projectKey string) (*projectFields, error) {
	key := projectKey
	if key == "" {
		key = globalProjectKey
	}
	if cached, ok := fc.cache.Get(key); ok {
		fc.hits.Add(1)
		return cached, nil
	}
	fc.misses.Add(1)
	fetched, err, _ := fc.group.Do(key, func() (any, error) {
		if cached, ok := fc.cache.Get(key); ok {
			return cached, nil
		}
		fields, err := fc.fetch(ctx, projectKey)
		if err != nil {
			return nil, err
		}
		fc.cache.Add(key, fields)
		return fields, nil
	})
	if err != nil {
		return nil, err
	}
	return fetched.(*projectFields), nil
}

type rawField struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Schema struct {
		Type   string `json:"type"`
		Custom string `json:"custom"`
	} `json:"schema"`
	Required      bool `json:"required"`
	AllowedValues []struct {
		Value string `json:"value"`
		Name  string `json:"name"`
	} `json:"allowedValues"`
}

func (fc *FieldCache) fetch(ctx context.Context, projectKey string) (*projectFields, error) {
	var raw []rawField
	req := func(ctx context.Context) (*resty.Response, error) {
		r := fc.client.http.R().SetContext(ctx).SetResult(&raw)
		if projectKey != "" {
			r.SetQueryParam("projectKeys", projectKey)
		}
		return r.Get("/field")
	}
	if _, err := fc.client.do(ctx, "get fields", req); err != nil {
		return nil, err
	}
	byKey := make(map[string]*FieldSchema, len(raw)*2)
	for _, rf := range raw {
		schema := &FieldSchema{
			ID:       rf.ID,
			Name:     rf.Name,
			Type:     normalizeType(rf.Schema.Type, rf.Schema.Custom),
			Required: rf.Required,
		}
		for _, av := range rf.AllowedValues {
			if av.Value != "" {
				schema.AllowedValues = append(schema.AllowedValues, av.Value)
			} else if av.Name != "" {
				schema.AllowedValues = append(schema.AllowedValues, av.Name)
			}
		}
		byKey[strings.ToLower(rf.ID)] = schema
		byKey[strings.ToLower(rf.Name)] = schema
	}
	return &projectFields{byKey: byKey, fetchedAt: time.Now()}, nil
}

// normalizeType compresses tracker-specific custom types into the small
// validation set.
func normalizeType(rawType, custom string) FieldType {
	switch rawType {
	case "number":
		return FieldNumber
	case "array":
		return FieldArray
	case "option", "priority", "resolution":
		return FieldOption
	case "date":
		return FieldDate
	case "datetime":
		return FieldDateTime
	}
	switch {
	case strings.Contains(custom, "multi"), strings.Contains(custom, "labels"), strings.Contains(custom, "checkboxes"):
		return FieldArray
	case strings.Contains(custom, "select"), strings.Contains(custom, "radiobuttons"):
		return FieldOption
	case strings.Contains(custom, "float"):
		return FieldNumber
	case strings.Contains(custom, "datetime"):
		return FieldDateTime
	case strings.Contains(custom, "datepicker"):
		return FieldDate
	default:
		return FieldString
	}
}
