package payload

import (
	"fmt"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/getmockd/mqttsh/pkg/mqttclient"
	"github.com/ohler55/ojg/oj"
)

// Env is what a filter expression sees.
type Env struct {
	Topic   string `expr:"topic"`
	Payload string `expr:"payload"`
	QoS     int    `expr:"qos"`
	Retain  bool   `expr:"retain"`
	// JSON is the decoded payload, nil when the payload is not JSON.
	JSON any `expr:"json"`
}

// Filter is a compiled boolean expression over incoming messages, e.g.
//
//	topic startsWith "sensors/" && json.temp > 20
type Filter struct {
	source  string
	program *vm.Program
}

// NewFilter compiles expression. It must evaluate to a bool.
func NewFilter(expression string) (*Filter, error) {
	program, err := expr.Compile(expression, expr.Env(Env{}), expr.AsBool())
	if err != nil {
		return nil, fmt.Errorf("compile filter %q: %w", expression, err)
	}
	return &Filter{source: expression, program: program}, nil
}

func (f *Filter) String() string { return f.source }

// Match evaluates the filter against m.
func (f *Filter) Match(m mqttclient.Message) (bool, error) {
	env := Env{
		Topic:   m.Topic,
		Payload: string(m.Payload),
		QoS:     int(m.QoS),
		Retain:  m.Retain,
	}
	var data any
	if err := oj.Unmarshal(m.Payload, &data); err == nil {
		env.JSON = data
	}

	out, err := expr.Run(f.program, env)
	if err != nil {
		return false, fmt.Errorf("eval filter %q: %w", f.source, err)
	}
	ok, _ := out.(bool)
	return ok, nil
}
