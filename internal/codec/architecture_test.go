package codec

import (
	"testing"

	"herbtrace/testutil"
)

func TestCodecImportsDomainOnly(t *testing.T) {
	forbidden := func(p string) bool {
		return testutil.ModuleImport(p) && p != "herbtrace/pkg/domain"
	}
	testutil.AssertNoDirectImports(t, ".", forbidden, "codec must not depend on other module packages")
}
