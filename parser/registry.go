package parser

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// SearchRankField is the computed column holding a listing's position in the results.
const SearchRankField = "search_rank"

// Registry is the static table of field specs for one site.
type Registry struct {
	Result     string
	ResultLink string
	NextPage   string
	Search     []FieldSpec
	Detail     []FieldSpec
	Computed   []FieldSpec
}

// Fields returns the active view: search fields, then detail fields when
// requested, then computed fields.
func (r *Registry) Fields(includeDetails bool) []FieldSpec {
	out := make([]FieldSpec, 0, len(r.Search)+len(r.Detail)+len(r.Computed))
	out = append(out, r.Search...)
	if includeDetails {
		out = append(out, r.Detail...)
	}
	return append(out, r.Computed...)
}

// FieldNames returns the names of the active view in output order.
func (r *Registry) FieldNames(includeDetails bool) []string {
	fields := r.Fields(includeDetails)
	names := make([]string, len(fields))
	for i, f := range fields {
		names[i] = f.Name
	}
	return names
}

// Validate checks the registry invariants.
func (r *Registry) Validate() error {
	if r.Result == "" {
		return fmt.Errorf("registry: result selector cannot be empty")
	}
	if r.ResultLink == "" {
		return fmt.Errorf("registry: result link selector cannot be empty")
	}
	if r.NextPage == "" {
		return fmt.Errorf("registry: next page selector cannot be empty")
	}

	seen := make(map[string]struct{})
	check := func(group string, specs []FieldSpec, computed bool) error {
		for _, f := range specs {
			if f.Name == "" {
				return fmt.Errorf("registry: %s field without name", group)
			}
			if _, dup := seen[f.Name]; dup {
				return fmt.Errorf("registry: duplicate field %q", f.Name)
			}
			seen[f.Name] = struct{}{}
			if computed != f.Computed() {
				if computed {
					return fmt.Errorf("registry: computed field %q cannot have selectors", f.Name)
				}
				return fmt.Errorf("registry: %s field %q needs at least one selector", group, f.Name)
			}
		}
		return nil
	}
	if err := check("search", r.Search, false); err != nil {
		return err
	}
	if err := check("detail", r.Detail, false); err != nil {
		return err
	}
	if err := check("computed", r.Computed, true); err != nil {
		return err
	}

	if len(r.Detail) > 0 {
		url, ok := r.lookup(r.Search, "url")
		if !ok || !url.Required {
			return fmt.Errorf("registry: detail fields need a required search field \"url\"")
		}
	}
	return nil
}

func (r *Registry) lookup(specs []FieldSpec, name string) (FieldSpec, bool) {
	for _, f := range specs {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

// DefaultRegistry returns the field tables for Etsy search results.
func DefaultRegistry() *Registry {
	return &Registry{
		Result:     "div[data-search-results] > div > ul > li.wt-list-unstyled",
		ResultLink: "a.listing-link",
		NextPage:   "nav.search-pagination a.wt-btn",
		Search: []FieldSpec{
			{
				Name:       "price_currency",
				Selectors:  []string{"span.promotion-price .currency-symbol", "span.currency-symbol"},
				Required:   true,
				Validators: []string{"required"},
			},
			{
				Name:       "price_value",
				Selectors:  []string{"span.promotion-price .currency-value", "span.price .currency-value", "span.currency-value"},
				Required:   true,
				Remove:     regexp.MustCompile(`,`),
				Validators: []string{"required", "numeric"},
			},
			{
				Name:       "url",
				Selectors:  []string{"a.listing-link"},
				Attribute:  "href",
				Required:   true,
				Validators: []string{"required", "url"},
			},
		},
		Detail: []FieldSpec{
			{
				Name:       "title",
				Selectors:  []string{"div[data-component=listing-page-title-component] > h1", "h1[data-buy-box-listing-title]"},
				Required:   true,
				Validators: []string{"required"},
			},
			{
				Name:      "shipping_currency",
				Selectors: []string{"div[data-estimated-shipping] span.currency-symbol"},
			},
			{
				Name:       "shipping_value",
				Selectors:  []string{"div[data-estimated-shipping] span.currency-value"},
				Remove:     regexp.MustCompile(`,`),
				Validators: []string{"omitempty", "numeric"},
			},
			{
				Name:       "description",
				Selectors:  []string{"p[data-product-details-description-text-content]"},
				Required:   true,
				Validators: []string{"required"},
			},
			{
				Name:      "review_rating",
				Selectors: []string{"div#reviews h3 span.wt-screen-reader-only"},
			},
			{
				Name:      "processing_time",
				Selectors: []string{"div[data-processing-time] > p"},
			},
			{
				Name:       "number_of_sales",
				Selectors:  []string{`a[href="#shop_overview"] span.wt-screen-reader-only`},
				Remove:     regexp.MustCompile(`,|\ssales`),
				Validators: []string{"omitempty", "number"},
			},
			{
				Name:      "dispatch_from",
				Selectors: []string{"div[data-estimated-shipping-form] div.wt-text-caption"},
			},
		},
		Computed: []FieldSpec{
			{Name: SearchRankField, Validators: []string{"required", "number"}},
		},
	}
}

type registryDoc struct {
	Result     string     `yaml:"result"`
	ResultLink string     `yaml:"result_link"`
	NextPage   string     `yaml:"next_page"`
	Search     []fieldDoc `yaml:"search_fields"`
	Detail     []fieldDoc `yaml:"detail_fields"`
	Computed   []fieldDoc `yaml:"computed_fields"`
}

type fieldDoc struct {
	Name       string   `yaml:"name"`
	Selectors  []string `yaml:"selectors"`
	Attribute  string   `yaml:"attribute,omitempty"`
	Required   *bool    `yaml:"required,omitempty"`
	Remove     string   `yaml:"remove,omitempty"`
	Validators []string `yaml:"validators,omitempty"`
}

// ParseRegistry decodes a YAML registry document. Fields are required unless
// they set required: false.
func ParseRegistry(data []byte) (*Registry, error) {
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode registry: %w", err)
	}

	reg := &Registry{
		Result:     doc.Result,
		ResultLink: doc.ResultLink,
		NextPage:   doc.NextPage,
	}
	var err error
	if reg.Search, err = buildSpecs(doc.Search); err != nil {
		return nil, err
	}
	if reg.Detail, err = buildSpecs(doc.Detail); err != nil {
		return nil, err
	}
	if reg.Computed, err = buildSpecs(doc.Computed); err != nil {
		return nil, err
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}
	return reg, nil
}

// LoadRegistry reads a YAML registry from path.
func LoadRegistry(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read registry: %w", err)
	}
	return ParseRegistry(data)
}

func buildSpecs(docs []fieldDoc) ([]FieldSpec, error) {
	specs := make([]FieldSpec, 0, len(docs))
	for _, d := range docs {
		spec := FieldSpec{
			Name:       d.Name,
			Selectors:  d.Selectors,
			Attribute:  d.Attribute,
			Required:   d.Required == nil || *d.Required,
			Validators: d.Validators,
		}
		if spec.Computed() && d.Required == nil {
			spec.Required = false
		}
		if d.Remove != "" {
			re, err := regexp.Compile(d.Remove)
			if err != nil {
				return nil, fmt.Errorf("field %q: compile remove pattern: %w", d.Name, err)
			}
			spec.Remove = re
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
