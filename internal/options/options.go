// Package options implements generic key=value option parsing for backend
// and extended-configuration settings (the "-o name=value" flags), and
// applying them onto a namespaced configuration struct via struct tags.
package options

import (
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sealvault/sealvault/internal/errors"
)

// Options is a parsed set of key=value settings, keys lowercased.
type Options map[string]string

// Parse parses a list of "key=value" (or bare "key") strings into an
// Options map. Keys are lowercased and trimmed; values are trimmed.
// Duplicate keys and an empty key are errors.
func Parse(in []string) (Options, error) {
	opts := make(Options)

	for _, opt := range in {
		key, value, _ := strings.Cut(opt, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		value = strings.TrimSpace(value)

		if key == "" {
			return nil, errors.Fatal("empty key is not a valid option")
		}

		if _, ok := opts[key]; ok {
			return nil, errors.Fatalf("key %q present more than once", key)
		}

		opts[key] = value
	}

	return opts, nil
}

// Extract returns the subset of o whose keys have the "ns." prefix, with
// the prefix stripped.
func (o Options) Extract(ns string) Options {
	prefix := ns + "."
	result := make(Options)
	for k, v := range o {
		if rest, ok := strings.CutPrefix(k, prefix); ok {
			result[rest] = v
		}
	}
	return result
}

// Apply assigns each option in o onto the matching "option"-tagged field
// of dst, which must be a pointer to a struct. ns is used only to qualify
// error messages ("ns.key is not known").
func (o Options) Apply(ns string, dst interface{}) error {
	v := reflect.ValueOf(dst).Elem()
	t := v.Type()

	fieldByOption := make(map[string]int)
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("option")
		if tag != "" {
			fieldByOption[tag] = i
		}
	}

	for key, value := range o {
		idx, ok := fieldByOption[key]
		if !ok {
			name := key
			if ns != "" {
				name = ns + "." + key
			}
			return errors.Fatalf("option %s is not known", name)
		}

		field := v.Field(idx)
		if err := setField(field, value); err != nil {
			return err
		}
	}

	return nil
}

func setField(field reflect.Value, value string) error {
	switch field.Interface().(type) {
	case time.Duration:
		d, err := time.ParseDuration(value)
		if err != nil {
			return err
		}
		field.Set(reflect.ValueOf(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		n, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(n)
	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return errors.Errorf("unsupported option field type %s", field.Kind())
	}

	return nil
}

// Help describes a single configurable option, for "-o help" output.
type Help struct {
	Namespace string
	Name      string
	Text      string
}

// listOptions returns the Help entries for cfg's "option"-tagged fields,
// in struct declaration order.
func listOptions(cfg interface{}) []Help {
	v := reflect.ValueOf(cfg)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	t := v.Type()

	var help []Help
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := f.Tag.Get("option")
		if name == "" {
			continue
		}
		help = append(help, Help{Name: name, Text: f.Tag.Get("help")})
	}
	return help
}

// appendAllOptions appends cfg's Help entries, namespaced under ns, onto
// opts, keeping the result sorted by namespace then name.
func appendAllOptions(opts []Help, ns string, cfg interface{}) []Help {
	for _, h := range listOptions(cfg) {
		h.Namespace = ns
		opts = append(opts, h)
	}

	sort.Slice(opts, func(i, j int) bool {
		if opts[i].Namespace != opts[j].Namespace {
			return opts[i].Namespace < opts[j].Namespace
		}
		return opts[i].Name < opts[j].Name
	})

	return opts
}

// String renders a Help entry the way "-o help" lists it.
func (h Help) String() string {
	if h.Namespace == "" {
		return fmt.Sprintf("%-10s %s", h.Name, h.Text)
	}
	return fmt.Sprintf("%s.%-10s %s", h.Namespace, h.Name, h.Text)
}
