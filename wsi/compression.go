// Copyright 2024 Gustavo C. Viegas. All rights reserved.

package wsi

import (
	"github.com/gviegas/present/driver"
)

// ExtImageCompression requests fixed-rate compression of image
// backing stores. Backends consult it when creating images;
// implementations that cannot honor the rate create the images
// uncompressed.
type ExtImageCompression struct {
	// Rate is the requested rate, in bits per texel.
	Rate int
}

// ExtName implements Ext.
func (*ExtImageCompression) ExtName() string { return "image_compression_control" }

// Apply stamps the compression request onto an image description.
func (e *ExtImageCompression) Apply(info *driver.ImageInfo) {
	info.CompressionRate = e.Rate
}
