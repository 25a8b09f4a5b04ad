package config

import (
	"reflect"
	"strings"
)

// liveFields are the settings a running proxy applies on reload.
var liveFields = map[string]bool{
	"logging.level": true,
}

// Changed returns the dotted YAML paths of every setting that differs
// between a and b, in declaration order.
func Changed(a, b *Config) []string {
	if a == nil || b == nil {
		return nil
	}
	var paths []string
	diffStruct("", reflect.ValueOf(*a), reflect.ValueOf(*b), &paths)
	return paths
}

// RestartRequired returns the changed settings that only take effect
// after a restart. Everything except logging.level is read once at
// startup.
func RestartRequired(a, b *Config) []string {
	var restart []string
	for _, p := range Changed(a, b) {
		if !liveFields[p] {
			restart = append(restart, p)
		}
	}
	return restart
}

func diffStruct(prefix string, a, b reflect.Value, paths *[]string) {
	t := a.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		name := yamlName(f)
		if prefix != "" {
			name = prefix + "." + name
		}

		fa, fb := a.Field(i), b.Field(i)
		if fa.Kind() == reflect.Struct {
			diffStruct(name, fa, fb, paths)
			continue
		}
		if !reflect.DeepEqual(fa.Interface(), fb.Interface()) {
			*paths = append(*paths, name)
		}
	}
}

func yamlName(f reflect.StructField) string {
	tag, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
	if tag == "" {
		return f.Name
	}
	return tag
}
