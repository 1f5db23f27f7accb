// Package sweeper runs a scheduled audit over the containment store. It
// looks for documents whose ancestry or references no longer resolve: a
// project without its org, an element whose parent is gone, a webhook bound
// to a deleted scope. The sweeper only reports, through logs and metrics; it
// never repairs or deletes.
package sweeper
