package expense

import (
	"path/filepath"

	ginkgo "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = ginkgo.Describe("LocalStorage", func() {
	var (
		tmpDir  string
		storage Storage
	)

	ginkgo.BeforeEach(func() {
		tmpDir = ginkgo.GinkgoT().TempDir()
		var err error
		storage, err = NewLocalStorage(tmpDir)
		Expect(err).NotTo(HaveOccurred())
	})

	ginkgo.Describe("Save", func() {
		var (
			filename  string
			data      []byte
			savedPath string
			err       error
		)

		ginkgo.BeforeEach(func() {
			filename = "abc123.jpg"
			data = []byte("receipt file content")
		})

		ginkgo.JustBeforeEach(func() {
			savedPath, err = storage.Save(filename, data)
		})

		ginkgo.When("saving succeeds", func() {
			ginkgo.It("should not return an error", func() {
				Expect(err).NotTo(HaveOccurred())
			})

			ginkgo.It("should return the locator", func() {
				Expect(savedPath).To(Equal(filename))
			})

			ginkgo.It("should save the file to disk", func() {
				filePath := filepath.Join(tmpDir, filename)
				Expect(filePath).To(BeAnExistingFile())
			})
		})
	})

	ginkgo.Describe("Get", func() {
		ginkgo.When("the file exists", func() {
			ginkgo.BeforeEach(func() {
				_, err := storage.Save("abc123.jpg", []byte("receipt file content"))
				Expect(err).NotTo(HaveOccurred())
			})

			ginkgo.It("returns the file data", func() {
				data, err := storage.Get("abc123.jpg")
				Expect(err).NotTo(HaveOccurred())
				Expect(data).To(Equal([]byte("receipt file content")))
			})
		})

		ginkgo.When("the file does not exist", func() {
			ginkgo.It("returns an error", func() {
				_, err := storage.Get("missing.jpg")
				Expect(err).To(HaveOccurred())
			})
		})
	})

	ginkgo.Describe("Delete", func() {
		ginkgo.When("the file exists", func() {
			ginkgo.BeforeEach(func() {
				_, err := storage.Save("abc123.jpg", []byte("receipt file content"))
				Expect(err).NotTo(HaveOccurred())
			})

			ginkgo.It("removes the file", func() {
				Expect(storage.Delete("abc123.jpg")).To(Succeed())
				Expect(filepath.Join(tmpDir, "abc123.jpg")).NotTo(BeAnExistingFile())
			})
		})

		ginkgo.When("the file does not exist", func() {
			ginkgo.It("returns an error", func() {
				Expect(storage.Delete("missing.jpg")).To(HaveOccurred())
			})
		})
	})
})
