package definition

import (
	"bytes"
	"errors"
	"fmt"
	"math"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/kiranshivaraju/ciengine/pkg/models"
	"gopkg.in/yaml.v3"
)

type defaults struct {
	image        string
	variables    map[string]string
	beforeScript []string
}

// Parse normalizes definition text. A blank document, or one that declares
// no jobs, returns a nil Definition and a nil error.
func Parse(text []byte, opts Options) (*Definition, error) {
	if len(bytes.TrimSpace(text)) == 0 {
		return nil, nil
	}
	if opts.DefaultImage == "" {
		opts.DefaultImage = DefaultImage
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(text, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDefinitionInvalid, err)
	}
	if doc.Kind != yaml.DocumentNode || len(doc.Content) == 0 {
		return nil, nil
	}
	root := doc.Content[0]
	if isNull(root) {
		return nil, nil
	}
	if root.Kind != yaml.MappingNode {
		return nil, invalidf("line %d: top level must be a mapping", root.Line)
	}

	def := &Definition{Variables: map[string]string{}}
	var dflt defaults
	var jobsNode *yaml.Node

	err := eachPair(root, func(key string, val *yaml.Node) error {
		var err error
		switch key {
		case "stages":
			def.Stages, err = stringList(val, "stages")
		case "variables":
			def.Variables, err = stringMap(val, "variables")
		case "default":
			dflt, err = parseDefaults(val)
		case "jobs":
			jobsNode = val
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if jobsNode == nil || isNull(jobsNode) {
		return nil, nil
	}
	if jobsNode.Kind != yaml.MappingNode {
		return nil, invalidf("line %d: jobs must be a mapping", jobsNode.Line)
	}

	stages := def.Stages
	if len(stages) == 0 {
		stages = slices.Clone(defaultStages)
	}

	seen := map[string]bool{}
	err = eachPair(jobsNode, func(name string, val *yaml.Node) error {
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if seen[name] {
			return invalidf("line %d: duplicate job %q", val.Line, name)
		}
		seen[name] = true

		job, err := parseJob(name, val, def.Variables, dflt, opts)
		if err != nil {
			return err
		}
		job.Position = len(def.Jobs)
		job.StageIndex = slices.Index(stages, job.Stage)
		if job.StageIndex < 0 {
			stages = append(stages, job.Stage)
			job.StageIndex = len(stages) - 1
		}
		def.Jobs = append(def.Jobs, job)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if len(def.Jobs) == 0 {
		return nil, nil
	}
	def.Stages = stages

	if err := validateNeeds(def.Jobs); err != nil {
		return nil, err
	}
	return def, nil
}

func parseDefaults(n *yaml.Node) (defaults, error) {
	var d defaults
	if isNull(n) {
		return d, nil
	}
	if n.Kind != yaml.MappingNode {
		return d, invalidf("line %d: default must be a mapping", n.Line)
	}
	err := eachPair(n, func(key string, val *yaml.Node) error {
		var err error
		switch key {
		case "image":
			d.image, err = imageName(val)
		case "variables":
			d.variables, err = stringMap(val, "default.variables")
		case "before_script":
			d.beforeScript, err = scriptLines(val, "default.before_script")
		}
		return err
	})
	return d, err
}

func parseJob(name string, n *yaml.Node, globals map[string]string, dflt defaults, opts Options) (JobSpec, error) {
	if n.Kind != yaml.MappingNode {
		return JobSpec{}, invalidf("line %d: job %q must be a mapping", n.Line, name)
	}

	job := JobSpec{
		Name:  name,
		Stage: defaultStage,
		When:  models.WhenOnSuccess,
		Env:   map[string]string{},
	}
	var script, beforeScript []string
	var jobVars map[string]string

	err := eachPair(n, func(key string, val *yaml.Node) error {
		field := name + "." + key
		var err error
		switch key {
		case "stage":
			job.Stage, err = scalar(val, field)
		case "image":
			job.Image, err = imageName(val)
		case "script":
			script, err = scriptLines(val, field)
		case "before_script":
			beforeScript, err = scriptLines(val, field)
		case "needs":
			job.Needs, err = needsList(val, field)
		case "variables", "env":
			var vars map[string]string
			vars, err = stringMap(val, field)
			if jobVars == nil {
				jobVars = map[string]string{}
			}
			for k, v := range vars {
				jobVars[k] = v
			}
		case "artifacts":
			job.ArtifactPaths, err = artifactPaths(val, field)
		case "tags":
			job.Tags, err = stringList(val, field)
		case "only":
			job.Only, err = sourceFilter(val, field)
		case "except":
			job.Except, err = sourceFilter(val, field)
		case "retry":
			job.MaxRetries, err = retryMax(val, field)
		case "timeout":
			job.TimeoutSeconds, err = seconds(val, field)
		case "when":
			job.When, err = whenValue(val, field)
		case "allow_failure":
			job.AllowFailure, err = boolValue(val, field)
		case "start_in":
			job.StartInSeconds, err = seconds(val, field)
		case "rules":
			job.Rules, err = parseRules(val, field)
		}
		return err
	})
	if err != nil {
		return JobSpec{}, err
	}

	if len(script) == 0 {
		script = []string{emptyScript}
	}
	if job.Stage == "" {
		job.Stage = defaultStage
	}
	if job.When == models.WhenDelayed && job.StartInSeconds <= 0 {
		return JobSpec{}, invalidf("line %d: job %q is delayed without start_in", n.Line, name)
	}

	job.Script = make([]string, 0, len(beforeScript)+len(dflt.beforeScript)+len(script))
	job.Script = append(job.Script, beforeScript...)
	job.Script = append(job.Script, dflt.beforeScript...)
	job.Script = append(job.Script, script...)

	switch {
	case job.Image != "":
	case dflt.image != "":
		job.Image = dflt.image
	default:
		job.Image = opts.DefaultImage
	}

	for _, layer := range []map[string]string{globals, dflt.variables, jobVars} {
		for k, v := range layer {
			job.Env[k] = v
		}
	}
	return job, nil
}

func parseRules(n *yaml.Node, field string) ([]Rule, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, invalidf("line %d: %s must be a list", n.Line, field)
	}
	rules := make([]Rule, 0, len(n.Content))
	for i, item := range n.Content {
		ruleField := fmt.Sprintf("%s[%d]", field, i)
		if item.Kind != yaml.MappingNode {
			return nil, invalidf("line %d: %s must be a mapping", item.Line, ruleField)
		}
		rule := Rule{When: models.WhenOnSuccess}
		err := eachPair(item, func(key string, val *yaml.Node) error {
			var err error
			switch key {
			case "if":
				rule.If, err = scalar(val, ruleField+".if")
			case "when":
				rule.When, err = whenValue(val, ruleField+".when")
			case "allow_failure":
				rule.AllowFailure, err = boolValue(val, ruleField+".allow_failure")
			case "start_in":
				rule.StartInSeconds, err = seconds(val, ruleField+".start_in")
			}
			return err
		})
		if err != nil {
			return nil, err
		}
		if rule.When == models.WhenDelayed && rule.StartInSeconds <= 0 {
			return nil, invalidf("line %d: %s is delayed without start_in", item.Line, ruleField)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// scriptLines flattens the accepted script shapes into command strings.
func scriptLines(n *yaml.Node, field string) ([]string, error) {
	switch {
	case isNull(n):
		return nil, nil
	case n.Kind == yaml.ScalarNode:
		return []string{n.Value}, nil
	case n.Kind != yaml.SequenceNode:
		return nil, invalidf("line %d: %s must be a string or a list", n.Line, field)
	}

	lines := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			if !isNull(item) {
				lines = append(lines, item.Value)
			}
		case yaml.SequenceNode:
			words, err := flatWords(item, field)
			if err != nil {
				return nil, err
			}
			lines = append(lines, strings.Join(words, " "))
		case yaml.MappingNode:
			line, err := mappingCommand(item, field)
			if err != nil {
				return nil, err
			}
			lines = append(lines, line)
		default:
			return nil, invalidf("line %d: unsupported %s item", item.Line, field)
		}
	}
	return lines, nil
}

// mappingCommand renders a mapping script item. A "run" key wins; a single
// key becomes "key value..."; several keys become "k=v" pairs.
func mappingCommand(n *yaml.Node, field string) (string, error) {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == "run" {
			return scalar(n.Content[i+1], field+".run")
		}
	}

	if len(n.Content) == 2 {
		key, val := n.Content[0].Value, n.Content[1]
		switch {
		case isNull(val):
			return key, nil
		case val.Kind == yaml.SequenceNode:
			words, err := flatWords(val, field)
			if err != nil {
				return "", err
			}
			return strings.TrimSpace(key + " " + strings.Join(words, " ")), nil
		case val.Kind == yaml.ScalarNode:
			return key + " " + val.Value, nil
		default:
			return "", invalidf("line %d: unsupported %s item", val.Line, field)
		}
	}

	pairs := make([]string, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		v, err := scalar(n.Content[i+1], field)
		if err != nil {
			return "", err
		}
		pairs = append(pairs, n.Content[i].Value+"="+v)
	}
	return strings.Join(pairs, " "), nil
}

func flatWords(n *yaml.Node, field string) ([]string, error) {
	words := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			words = append(words, item.Value)
		case yaml.SequenceNode:
			nested, err := flatWords(item, field)
			if err != nil {
				return nil, err
			}
			words = append(words, nested...)
		default:
			return nil, invalidf("line %d: unsupported %s item", item.Line, field)
		}
	}
	return words, nil
}

func needsList(n *yaml.Node, field string) ([]string, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.SequenceNode {
		return nil, invalidf("line %d: %s must be a list", n.Line, field)
	}
	needs := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		switch item.Kind {
		case yaml.ScalarNode:
			needs = append(needs, item.Value)
		case yaml.MappingNode:
			name := ""
			for i := 0; i+1 < len(item.Content); i += 2 {
				if item.Content[i].Value == "job" {
					name = item.Content[i+1].Value
				}
			}
			if name == "" {
				return nil, invalidf("line %d: %s entry needs a job key", item.Line, field)
			}
			needs = append(needs, name)
		default:
			return nil, invalidf("line %d: unsupported %s entry", item.Line, field)
		}
	}
	return needs, nil
}

func artifactPaths(n *yaml.Node, field string) ([]string, error) {
	if isNull(n) {
		return nil, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, invalidf("line %d: %s must be a mapping", n.Line, field)
	}
	var paths []string
	err := eachPair(n, func(key string, val *yaml.Node) error {
		if key != "paths" {
			return nil
		}
		var err error
		paths, err = stringList(val, field+".paths")
		return err
	})
	return paths, err
}

// sourceFilter reads an only/except list and canonicalizes source names.
func sourceFilter(n *yaml.Node, field string) ([]string, error) {
	values, err := stringList(n, field)
	if err != nil {
		return nil, err
	}
	for i, v := range values {
		switch v {
		case "mr", "merge_requests", "merge_request":
			values[i] = string(models.SourceMergeRequest)
		case "push", "pushes":
			values[i] = string(models.SourcePush)
		}
	}
	return values, nil
}

func retryMax(n *yaml.Node, field string) (int, error) {
	switch n.Kind {
	case yaml.ScalarNode:
		return nonNegativeInt(n, field)
	case yaml.MappingNode:
		maxRetries := 0
		err := eachPair(n, func(key string, val *yaml.Node) error {
			if key != "max" {
				return nil
			}
			var err error
			maxRetries, err = nonNegativeInt(val, field+".max")
			return err
		})
		return maxRetries, err
	}
	return 0, invalidf("line %d: %s must be an integer or a mapping", n.Line, field)
}

// emptyScript is the script of a job that declares none.
const emptyScript = "echo nothing"

var humanDuration = regexp.MustCompile(`^(\d+)\s*(s|sec|secs|second|seconds|m|min|mins|minute|minutes|h|hr|hrs|hour|hours)$`)

// seconds accepts an integer count of seconds, a Go duration ("1h30m"), or
// a human form ("5 minutes"). Values beyond math.MaxInt32 seconds are
// rejected.
func seconds(n *yaml.Node, field string) (int, error) {
	if isNull(n) {
		return 0, nil
	}
	if n.Kind != yaml.ScalarNode {
		return 0, invalidf("line %d: %s must be a duration", n.Line, field)
	}
	v := strings.TrimSpace(n.Value)
	outOfRange := invalidf("line %d: %s: duration %q out of range", n.Line, field, v)

	if i, err := strconv.ParseInt(v, 10, 64); err == nil && i >= 0 {
		if i > math.MaxInt32 {
			return 0, outOfRange
		}
		return int(i), nil
	}
	if d, err := time.ParseDuration(v); err == nil && d >= 0 {
		if d/time.Second > math.MaxInt32 {
			return 0, outOfRange
		}
		return int(d / time.Second), nil
	}
	if m := humanDuration.FindStringSubmatch(strings.ToLower(v)); m != nil {
		count, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil || count > math.MaxInt32 {
			return 0, outOfRange
		}
		switch m[2][0] {
		case 'h':
			count *= 3600
		case 'm':
			count *= 60
		}
		if count > math.MaxInt32 {
			return 0, outOfRange
		}
		return int(count), nil
	}
	if _, err := strconv.ParseInt(v, 10, 64); errors.Is(err, strconv.ErrRange) {
		return 0, outOfRange
	}
	return 0, invalidf("line %d: %s: invalid duration %q", n.Line, field, v)
}

func whenValue(n *yaml.Node, field string) (models.When, error) {
	v, err := scalar(n, field)
	if err != nil {
		return "", err
	}
	switch v {
	case "", "on_success", "on_failure", "always":
		return models.WhenOnSuccess, nil
	case "manual":
		return models.WhenManual, nil
	case "delayed":
		return models.WhenDelayed, nil
	case "never":
		return models.WhenNever, nil
	}
	return "", invalidf("line %d: %s: unknown value %q", n.Line, field, v)
}

func boolValue(n *yaml.Node, field string) (bool, error) {
	if isNull(n) {
		return false, nil
	}
	var b bool
	if n.Kind != yaml.ScalarNode || n.Decode(&b) != nil {
		return false, invalidf("line %d: %s must be a boolean", n.Line, field)
	}
	return b, nil
}

func nonNegativeInt(n *yaml.Node, field string) (int, error) {
	var i int
	if n.Kind != yaml.ScalarNode || n.Decode(&i) != nil || i < 0 {
		return 0, invalidf("line %d: %s must be a non-negative integer", n.Line, field)
	}
	return i, nil
}

func imageName(n *yaml.Node) (string, error) {
	if n.Kind == yaml.MappingNode {
		name := ""
		err := eachPair(n, func(key string, val *yaml.Node) error {
			if key != "name" {
				return nil
			}
			var err error
			name, err = scalar(val, "image.name")
			return err
		})
		return name, err
	}
	return scalar(n, "image")
}

func scalar(n *yaml.Node, field string) (string, error) {
	if isNull(n) {
		return "", nil
	}
	if n.Kind != yaml.ScalarNode {
		return "", invalidf("line %d: %s must be a scalar", n.Line, field)
	}
	return n.Value, nil
}

func stringList(n *yaml.Node, field string) ([]string, error) {
	switch {
	case isNull(n):
		return nil, nil
	case n.Kind == yaml.ScalarNode:
		return []string{n.Value}, nil
	case n.Kind != yaml.SequenceNode:
		return nil, invalidf("line %d: %s must be a list", n.Line, field)
	}
	out := make([]string, 0, len(n.Content))
	for _, item := range n.Content {
		v, err := scalar(item, field)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func stringMap(n *yaml.Node, field string) (map[string]string, error) {
	out := map[string]string{}
	if isNull(n) {
		return out, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, invalidf("line %d: %s must be a mapping", n.Line, field)
	}
	err := eachPair(n, func(key string, val *yaml.Node) error {
		// {value: x, description: y} is accepted for a variable.
		if val.Kind == yaml.MappingNode {
			for i := 0; i+1 < len(val.Content); i += 2 {
				if val.Content[i].Value == "value" {
					val = val.Content[i+1]
					break
				}
			}
		}
		v, err := scalar(val, field+"."+key)
		if err != nil {
			return err
		}
		out[key] = v
		return nil
	})
	return out, err
}

// eachPair walks a mapping node in declaration order, resolving aliases.
func eachPair(n *yaml.Node, fn func(key string, val *yaml.Node) error) error {
	for i := 0; i+1 < len(n.Content); i += 2 {
		key, val := n.Content[i], n.Content[i+1]
		if val.Kind == yaml.AliasNode && val.Alias != nil {
			val = val.Alias
		}
		if key.Kind != yaml.ScalarNode {
			return invalidf("line %d: mapping keys must be scalars", key.Line)
		}
		if err := fn(key.Value, val); err != nil {
			return err
		}
	}
	return nil
}

func isNull(n *yaml.Node) bool {
	return n == nil || n.Kind == 0 || (n.Kind == yaml.ScalarNode && n.Tag == "!!null")
}
