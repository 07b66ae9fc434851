package core

// PageCounter reports how many pages a PDF has.
type PageCounter interface {
	CountPages(pdf []byte) (int, error)
}
