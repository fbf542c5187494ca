package action

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dailyRun = `
actions:
  - action_type: click
    params: {template: daily_tab, region: {x: 0, y: 0, width: 400, height: 300}}
    retry_count: 2
  - action_type: wait
    params: {duration: 1.5}
  - action_type: key_combination
    params: {keys: ctrl+shift+s}
  - action_type: loop
    params:
      loop_type: count
      count: 3
      break_on_error: false
      actions:
        - action_type: click
          params: {x: 120, y: 640}
        - action_type: wait
          params: {duration: 250ms}
`

func TestParseYAML_Document(t *testing.T) {
	specs, actions, err := ParseYAML([]byte(dailyRun))
	require.NoError(t, err)
	require.Len(t, specs, 4)
	require.Len(t, actions, 4)

	click, ok := actions[0].(Click)
	require.True(t, ok)
	assert.Equal(t, "daily_tab", click.Target.Template)
	assert.Equal(t, 400, click.Target.Region.Width)
	assert.Equal(t, 2, click.RetryCount)

	assert.Equal(t, Wait{Duration: 1500 * time.Millisecond}, actions[1])
	assert.Equal(t, []string{"ctrl", "shift", "s"}, actions[2].(KeyCombination).Keys)

	loop, ok := actions[3].(*Loop)
	require.True(t, ok)
	assert.Equal(t, LoopCount, loop.LoopType)
	assert.Equal(t, 3, loop.Count)
	assert.True(t, loop.ContinueOnError)
	require.Len(t, loop.Body, 2)
	assert.Equal(t, Click{Target: At(120, 640)}, loop.Body[0])
	assert.Equal(t, Wait{Duration: 250 * time.Millisecond}, loop.Body[1])
}

func TestParseYAML_JSONList(t *testing.T) {
	_, actions, err := ParseYAML([]byte(`[{"action_type":"drag","params":{"from_x":1,"from_y":2,"to_template":"slot"}}]`))
	require.NoError(t, err)
	drag := actions[0].(Drag)
	assert.Equal(t, &Point{X: 1, Y: 2}, drag.From.Point)
	assert.Equal(t, "slot", drag.To.Template)
}

func TestDecode_Rejects(t *testing.T) {
	cases := map[string]Spec{
		"unknown type":    {ActionType: "teleport"},
		"missing type":    {},
		"click no target": {ActionType: "click"},
		"half point":      {ActionType: "click", Params: map[string]any{"x": 1}},
		"wait no time":    {ActionType: "wait"},
		"bad duration":    {ActionType: "wait", Params: map[string]any{"duration": "soon"}},
		"empty key":       {ActionType: "key_press", Params: map[string]any{"key": ""}},
		"negative retry":  {ActionType: "key_press", Params: map[string]any{"key": "a"}, RetryCount: -1},
		"loop no body":    {ActionType: "loop", Params: map[string]any{"count": 2}},
		"loop bad type":   {ActionType: "loop", Params: map[string]any{"loop_type": "forever", "actions": []any{}}},
		"fractional int":  {ActionType: "scroll", Params: map[string]any{"amount": 1.5}},
	}
	for name, spec := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := DecodeSpec(spec)
			require.Error(t, err)
			var pe *ParamError
			assert.ErrorAs(t, err, &pe)
		})
	}
}

func TestDecode_NestedLoopErrorNamesIndex(t *testing.T) {
	_, err := Decode([]Spec{
		{ActionType: "wait", Params: map[string]any{"duration": 1}},
		{ActionType: "loop", Params: map[string]any{"actions": []any{map[string]any{"action_type": "click"}}}},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "action[1]")
	assert.Contains(t, err.Error(), "loop body")
}
