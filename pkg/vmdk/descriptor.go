package vmdk

import (
	"fmt"
	"math/rand"
	"strings"

	"github.com/google/uuid"
)

// descriptorSizeSectors is the sector length the writer reserves for the
// embedded descriptor, matching typical consumer expectations.
const descriptorSizeSectors = 20

const toolsVersion = "2147483647"

const descriptorTemplate = `# Disk DescriptorFile
version=1
CID=%s
parentCID=ffffffff
createType="streamOptimized"

# Extent description
RW %d SPARSE "%s"

# The Disk Data Base
#DDB

ddb.longContentID = "%s"
ddb.virtualHWVersion = "4"
ddb.geometry.cylinders = "%d"
ddb.geometry.heads = "255"
ddb.geometry.sectors = "63"
ddb.adapterType = "lsilogic"
ddb.toolsInstallType = "4"
ddb.toolsVersion = "%s"
`

// generateCID draws a 32-bit content ID from math/rand, rejecting the two
// sentinel values reserved by the format. It is deliberately not
// cryptographic: CID only needs to disambiguate a disk's revisions for
// host-side bookkeeping.
func generateCID() uint32 {
	for {
		v := rand.Uint32()
		if v != 0xFFFFFFFF && v != 0xFFFFFFFE {
			return v
		}
	}
}

// cylinderCount derives ddb.geometry.cylinders from capacity using the
// standard CHS-compatibility formula (255 heads, 63 sectors/track),
// capped at the 16-bit CHS limit.
func cylinderCount(capacitySectors int64) int64 {
	c := ceilDiv(capacitySectors, 255*63)
	if c > 65535 {
		c = 65535
	}
	if c < 1 {
		c = 1
	}
	return c
}

// buildDescriptor renders the embedded text descriptor.
func buildDescriptor(fileName string, capacitySectors int64, cid uint32) string {
	longContentID := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf(
		descriptorTemplate,
		fmt.Sprintf("%08x", cid),
		capacitySectors,
		fileName,
		longContentID,
		cylinderCount(capacitySectors),
		toolsVersion,
	)
}
