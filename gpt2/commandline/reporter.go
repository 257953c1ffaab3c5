// Package commandline provides a rich terminal reporter for finetuning runs:
// a progress bar with a live table of training statistics.
package commandline

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/muesli/termenv"
	"github.com/schollz/progressbar/v3"

	"github.com/DMsGuild201/gpt-2-dnd/gpt2"
)

// ProgressbarStyle to use. Defaults to the ASCII version.
// Consider "progressbar.ThemeUnicode" for a prettier version.
// But it requires some of the graphical symbols to be supported.
var ProgressbarStyle = progressbar.ThemeASCII

var (
	normalStyle       = lipgloss.NewStyle().Padding(0, 1)
	rightAlignedStyle = lipgloss.NewStyle().Align(lipgloss.Right).Padding(0, 1)
	tableBorderColor  = "#705090"
)

// reporter implements gpt2.TrainingReporter with a progress bar and a
// lipgloss table of statistics that is redrawn in place.
type reporter struct {
	bar           *progressbar.ProgressBar
	numSteps      int
	startStep     int
	lastStep      int
	startTime     time.Time
	termenv       *termenv.Output
	statsStyle    lipgloss.Style
	statsTable    *lgtable.Table
	isFirstOutput bool
}

// NewReporter creates a rich command-line training reporter. Pass it to
// [gpt2.FinetuneConfig.Reporter].
func NewReporter() gpt2.TrainingReporter {
	r := &reporter{
		isFirstOutput: true,
		termenv:       termenv.NewOutput(os.Stdout),
		statsStyle:    lipgloss.NewStyle().PaddingLeft(8),
	}
	r.statsTable = lgtable.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color(tableBorderColor))).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return rightAlignedStyle
			}
			return normalStyle
		})
	return r
}

func (r *reporter) OnStart(startStep, endStep int) {
	r.startStep = startStep
	r.lastStep = startStep - 1
	r.startTime = time.Now()
	if endStep < 0 {
		r.numSteps = 1000 // Guess for now.
	} else {
		r.numSteps = endStep - startStep
	}
	r.bar = progressbar.NewOptions(r.numSteps,
		progressbar.OptionSetDescription("      [bold]"),
		progressbar.OptionUseANSICodes(true),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("steps"),
		progressbar.OptionSetTheme(ProgressbarStyle),
	)
}

func (r *reporter) OnStep(step int, loss, avgLoss float64, elapsed time.Duration) {
	if r.bar == nil || r.bar.IsFinished() {
		return
	}
	amount := step - r.lastStep
	if amount <= 0 {
		return
	}
	r.lastStep = step

	stepsDone := step - r.startStep + 1
	perStep := elapsed / time.Duration(stepsDone)
	r.statsTable.Data(lgtable.NewStringData())
	r.statsTable.Row("Step", humanizeInt(step))
	r.statsTable.Row("Loss", fmt.Sprintf("%.2f", loss))
	r.statsTable.Row("Avg Loss", fmt.Sprintf("%.2f", avgLoss))
	r.statsTable.Row("Mean step duration", FormatDuration(perStep))

	r.termenv.HideCursor()
	if !r.isFirstOutput {
		// 4 table rows + 2 border lines + progress bar line + blank line.
		r.termenv.CursorPrevLine(4 + 2 + 2)
	}
	r.isFirstOutput = false

	fmt.Println(r.statsStyle.Render(r.statsTable.String()))
	_ = r.bar.Add(amount)
	fmt.Println()
	r.termenv.ShowCursor()
}

func (r *reporter) OnEnd(step int) {
	if r.termenv != nil {
		r.termenv.ShowCursor()
	}
	fmt.Println()
}

// FormatDuration pretty-prints a duration with 2 decimals of the largest unit.
func FormatDuration(d time.Duration) string {
	s := d.String()
	re := regexp.MustCompile(`(\d+\.?\d*)([µa-z]+)`)
	matches := re.FindStringSubmatch(s)
	if len(matches) != 3 {
		return s
	}
	num, err := strconv.ParseFloat(matches[1], 64)
	if err != nil {
		return s
	}
	return fmt.Sprintf("%.2f%s", num, matches[2])
}

func humanizeInt[I interface {
	uint64 | uint32 | uint16 | uint8 | int64 | int32 | int16 | int8 | int
}](nI I) string {
	n := int(nI)
	str := fmt.Sprintf("%d", n)
	result := make([]byte, 0, len(str)+len(str)/3)
	strLen := len(str)
	for i := strLen - 1; i >= 0; i-- {
		if (strLen-i-1)%3 == 0 && i < strLen-1 {
			result = append([]byte{'_'}, result...)
		}
		result = append([]byte{str[i]}, result...)
	}
	return string(result)
}
