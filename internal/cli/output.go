package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"unicode/utf8"
)

// maxCellWidth: длинные ячейки (params, ошибки) обрезаются в таблицах.
// В режиме --json данные выводятся целиком.
const maxCellWidth = 72

// Output форматирует вывод команд: таблицы и детали в stdout,
// статусные сообщения в stderr.
type Output struct {
	jsonMode bool
	w        io.Writer
	errW     io.Writer
}

// NewOutput создаёт Output поверх stdout/stderr.
func NewOutput(jsonMode bool) *Output {
	return NewOutputTo(jsonMode, os.Stdout, os.Stderr)
}

// NewOutputTo создаёт Output с явными writers (cobra OutOrStdout/ErrOrStderr).
func NewOutputTo(jsonMode bool, w, errW io.Writer) *Output {
	return &Output{jsonMode: jsonMode, w: w, errW: errW}
}

// Print выводит список: таблицу или jsonData.
func (o *Output) Print(headers []string, rows [][]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	if len(rows) == 0 {
		fmt.Fprintln(o.errW, "(no results)")
		return
	}
	o.Table(headers, rows)
}

// Details выводит карточку объекта "ключ: значение" или jsonData.
func (o *Output) Details(pairs [][2]string, jsonData any) {
	if o.jsonMode {
		o.JSON(jsonData)
		return
	}
	o.render(func(tw io.Writer) {
		for _, p := range pairs {
			fmt.Fprintf(tw, "%s:\t%s\n", p[0], p[1])
		}
	})
}

// Table выводит таблицу с подчёркнутыми заголовками.
func (o *Output) Table(headers []string, rows [][]string) {
	o.render(func(tw io.Writer) {
		underline := make([]string, len(headers))
		for i, h := range headers {
			underline[i] = strings.Repeat("-", utf8.RuneCountInString(h))
		}
		writeRow(tw, headers)
		writeRow(tw, underline)
		for _, row := range rows {
			writeRow(tw, row)
		}
	})
}

// JSON выводит v с отступами.
func (o *Output) JSON(v any) {
	enc := json.NewEncoder(o.w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		fmt.Fprintf(o.errW, "Error: encode output: %v\n", err)
	}
}

// Success пишет статусное сообщение в stderr, чтобы не смешивать его с данными.
func (o *Output) Success(msg string) {
	fmt.Fprintln(o.errW, msg)
}

func (o *Output) render(fn func(tw io.Writer)) {
	tw := tabwriter.NewWriter(o.w, 0, 0, 2, ' ', 0)
	fn(tw)
	tw.Flush()
}

func writeRow(w io.Writer, cells []string) {
	out := make([]string, len(cells))
	for i, c := range cells {
		out[i] = clip(strings.ReplaceAll(c, "\n", " "))
	}
	fmt.Fprintln(w, strings.Join(out, "\t"))
}

func clip(s string) string {
	if utf8.RuneCountInString(s) <= maxCellWidth {
		return s
	}
	r := []rune(s)
	return string(r[:maxCellWidth-3]) + "..."
}
