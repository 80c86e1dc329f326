package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/shopspring/decimal"

	"kp-monitor/internal/core"
)

const (
	actionPrompt  = "BUY / SELL (b/s): "
	actionInvalid = "Invalid input. Please type 'b' or 's'."
	amountPrompt  = "AMT: "
	inputPrompt   = "INPUT: "
)

var errNoInput = errors.New("input closed")

type prompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newPrompter(in io.Reader, out io.Writer) *prompter {
	return &prompter{in: bufio.NewReader(in), out: out}
}

func (p *prompter) readLine(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	line, err := p.in.ReadString('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && strings.TrimSpace(line) != "" {
			return strings.TrimSpace(line), nil
		}
		if errors.Is(err, io.EOF) {
			return "", errNoInput
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (p *prompter) Action() (core.Action, error) {
	for {
		line, err := p.readLine(actionPrompt)
		if err != nil {
			return "", err
		}
		switch strings.ToLower(line) {
		case "b":
			return core.ActionBuy, nil
		case "s":
			return core.ActionSell, nil
		}
		fmt.Fprintln(p.out, actionInvalid)
	}
}

func (p *prompter) Amount() (decimal.Decimal, error) {
	for {
		line, err := p.readLine(amountPrompt)
		if err != nil {
			return decimal.Decimal{}, err
		}
		amt, perr := decimal.NewFromString(strings.ReplaceAll(line, ",", ""))
		if perr == nil && amt.Sign() > 0 {
			return amt, nil
		}
		fmt.Fprintln(p.out, "Invalid amount. Please type a number greater than 0.")
	}
}

func (p *prompter) Input() (string, error) {
	for {
		line, err := p.readLine(inputPrompt)
		if err != nil {
			return "", err
		}
		if line != "" {
			return line, nil
		}
	}
}
