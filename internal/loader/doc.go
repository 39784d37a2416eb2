// Package loader implements the loading contexts through which customer code
// and resources are resolved. A Concrete context is bound to one immutable
// snapshot of resources materialized into a private directory; a Virtual
// context is the stable handle callers hold while the Concrete behind it is
// swapped on every refresh.
package loader
