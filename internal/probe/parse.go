package probe

import (
	"bufio"
	"regexp"
	"sort"
	"strings"

	"github.com/0xef53/kvmtest/qdev"
)

var (
	optionRe      = regexp.MustCompile(`^-([A-Za-z0-9][\w-]*)`)
	deviceNameRe  = regexp.MustCompile(`name "([^"]+)"`)
	deviceAliasRe = regexp.MustCompile(`alias "([^"]+)"`)
	hmpCommandRe  = regexp.MustCompile(`^[a-z][a-z0-9_-]*(\|[a-z][a-z0-9_-]*)*$`)
)

func lines(s string) []string {
	var ll []string

	scanner := bufio.NewScanner(strings.NewReader(s))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		ll = append(ll, scanner.Text())
	}

	return ll
}

func uniqSorted(list []string) []string {
	seen := make(map[string]struct{}, len(list))
	res := make([]string, 0, len(list))

	for _, x := range list {
		if _, ok := seen[x]; ok {
			continue
		}
		seen[x] = struct{}{}
		res = append(res, x)
	}

	sort.Strings(res)

	return res
}

// ParseHelp returns the top-level options listed by "qemu -help".
func ParseHelp(text string) []string {
	var opts []string

	for _, line := range lines(text) {
		if m := optionRe.FindStringSubmatch(line); m != nil {
			opts = append(opts, m[1])
		}
	}

	return uniqSorted(opts)
}

// ParseDeviceHelp returns the device drivers (and their aliases)
// listed by "qemu -device help".
func ParseDeviceHelp(text string) []string {
	var devs []string

	for _, line := range lines(text) {
		m := deviceNameRe.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		devs = append(devs, m[1])

		if a := deviceAliasRe.FindStringSubmatch(line); a != nil {
			devs = append(devs, a[1])
		}
	}

	return uniqSorted(devs)
}

// ParseMachineHelp parses "qemu -machine help". The order of the output
// is kept. Aliases are listed as separate machine types.
func ParseMachineHelp(text string) []qdev.MachineType {
	var types []qdev.MachineType

	for _, line := range lines(text) {
		if line == "" || strings.HasPrefix(line, "Supported machines") || strings.HasPrefix(line, " ") {
			continue
		}

		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}

		types = append(types, qdev.MachineType{
			Name:    fields[0],
			Default: strings.Contains(line, "(default)"),
		})
	}

	return types
}

// ParseHMPHelp returns the command names of the human monitor "help" output.
// Lines look like "device_add driver[,prop=value][,...] -- add device".
// Long argument lists continue on lines starting with "[". Alternative
// names are separated by "|".
func ParseHMPHelp(text string) []string {
	var cmds []string

	for _, line := range lines(text) {
		fields := strings.Fields(line)
		if len(fields) == 0 || strings.HasPrefix(line, " ") || !hmpCommandRe.MatchString(fields[0]) {
			continue
		}

		for _, name := range strings.Split(fields[0], "|") {
			if name != "" {
				cmds = append(cmds, name)
			}
		}
	}

	return uniqSorted(cmds)
}
