package sketchhost

import (
	"fmt"
	"strings"

	"github.com/muesli/reflow/wrap"
)

const (
	errorLineWidth   = 50
	errorFirstLineY  = 50
	errorLineSpacing = 30
)

// ErrorSketchSource generates sketch source that draws msg as red text on a
// black background, wrapped to short lines.
func ErrorSketchSource(msg string) string {
	var sb strings.Builder
	sb.WriteString(`using P5Sharp;
using SkiaSharp;
using System;
using System.Collections.Generic;
return new Sketch();
public partial class Sketch : SketchBase
{
    protected override void Setup()
    {
    }

    protected override void Draw()
    {
        Background(0);
        Fill(255, 0, 0);
        NoStroke();
        TextSize(Width/25);
`)

	y := errorFirstLineY
	for _, line := range wrapMessage(msg, errorLineWidth) {
		fmt.Fprintf(&sb, "        Text(\"%s\", 0, %d);\n", escapeForCode(line), y)
		y += errorLineSpacing
	}

	sb.WriteString("    }\n}")
	return sb.String()
}

// wrapMessage hard-wraps msg at width columns. Existing line breaks are kept.
func wrapMessage(msg string, width int) []string {
	w := wrap.NewWriter(width)
	w.PreserveSpace = true
	_, _ = w.Write([]byte(strings.ReplaceAll(msg, "\r\n", "\n")))

	var lines []string
	for _, line := range strings.Split(w.String(), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}

// escapeForCode escapes backslashes and quotes for a string literal
func escapeForCode(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	return strings.ReplaceAll(s, `"`, `\"`)
}
