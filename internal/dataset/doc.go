// Package dataset prepares the labeled symbol corpus for training: it
// normalizes and augments raw drawings, splits them into train and test sets,
// generates balanced pair manifests and loads pairs as network inputs.
//
// A corpus is a directory with one subdirectory per symbol class. After
// Prepare and Split the layout is
//
//	<root>/train/<class>/<class>_NN.png
//	<root>/train/<class>/<class>_NN_augK.png
//	<root>/test/<class>/<class>_NN.png
//
// and pair manifests (<split>_pairs.csv) reference images relative to <root>.
package dataset
