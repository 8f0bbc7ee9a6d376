package rcg

import (
	"regexp"
	"strconv"

	"github.com/cranesched/craned/internal/structs"
)

// nameRegexp matches Crane_Task_<decimal job id> directory/hierarchy
// names, used by the recovery scan to identify RCGs owned by this
// manager among arbitrary sibling directories under the controller root.
var nameRegexp = regexp.MustCompile(`^Crane_Task_(\d+)$`)

// ParseRCGName reports whether name is one of our RCGs and, if so, the
// job id it encodes.
func ParseRCGName(name string) (structs.JobID, bool) {
	m := nameRegexp.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	id, err := strconv.ParseUint(m[1], 10, 32)
	if err != nil {
		return 0, false
	}
	return structs.JobID(id), true
}
